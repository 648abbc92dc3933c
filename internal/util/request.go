package util

import (
	"fmt"
	"math/rand"
)

// GenerateRequestID returns a short, human-readable session identifier used
// as the XCLIENT SESSION= value and in log correlation. It favours
// memorable words over a raw UUID so session IDs are easy to grep in logs.
func GenerateRequestID() string {
	verbs := []string{
		"sorting", "routing", "delivering", "forwarding", "queueing",
		"stamping", "sealing", "dispatching", "relaying", "logging",
		"franking", "bundling", "sifting", "tracking", "handling",
	}
	nouns := []string{
		"parcel", "envelope", "courier", "manifest", "ledger",
		"postmark", "satchel", "dispatch", "carrier", "bundle",
		"circuit", "relay", "waybill", "docket", "consignment",
	}

	noun := nouns[rand.Intn(len(nouns))]
	verb := verbs[rand.Intn(len(verbs))]
	suffix := fmt.Sprintf("%04x", rand.Intn(65536))

	return fmt.Sprintf("%s_%s_%s", noun, verb, suffix)
}
