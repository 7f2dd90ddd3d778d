package exposure

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type identity struct {
	Flag    Ref     `json:"flag"`
	Subject Subject `json:"subject"`
}

type assignment struct {
	Flag       Ref     `json:"flag"`
	Allocation Ref     `json:"allocation"`
	Variant    Ref     `json:"variant"`
	Subject    Subject `json:"subject"`
}

// KeyFingerprint identifies the (flag, subject, attributes) slot an event
// occupies. Map keys are serialised in sorted order, so equal attribute sets
// always hash alike.
func KeyFingerprint(e Event) string {
	return digest(identity{Flag: e.Flag, Subject: normalized(e.Subject)})
}

// ValueFingerprint covers everything that makes an assignment distinct. The
// timestamp is excluded so repeated identical assignments collide.
func ValueFingerprint(e Event) string {
	return digest(assignment{
		Flag:       e.Flag,
		Allocation: e.Allocation,
		Variant:    e.Variant,
		Subject:    normalized(e.Subject),
	})
}

func normalized(s Subject) Subject {
	if s.Attributes == nil {
		s.Attributes = map[string]any{}
	}
	return s
}

func digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// fmt prints maps in key order, so this stays stable for
		// attribute values JSON cannot encode.
		b = []byte(fmt.Sprint(v))
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
