package protocol

import "github.com/jduanen/CritterDetector/internal/model"

// Version is the protocol version spoken by this server and client.
const Version = "1.3.0"

// CheckVersion requires an exact match with Version.
func CheckVersion(v string) error {
	if v != Version {
		return model.Errorf(model.KindVersionMismatch, "protocol version mismatch: got %q, want %q", v, Version)
	}
	return nil
}
