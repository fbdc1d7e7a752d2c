package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Entity ID prefixes. IDs sort roughly by creation time because the
// millisecond component is zero-padded hex.
const (
	PrefixProject = "proj"
	PrefixMission = "msn"
	PrefixTask    = "task"
	PrefixProcess = "proc"
	PrefixAudit   = "adt"
)

// NewID generates an opaque identifier of the form
// "<prefix>-<hex millis padded to 12>-<4 hex random>".
func NewID(prefix string) string {
	var buf [2]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s-%012x-%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf[:]))
}
