// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package classify

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/record"
)

func FuzzClassify(f *testing.F) {
	f.Add("hello", "", "", false)
	f.Add("forwarded from x", "m1", "s2", false)
	f.Add("", "m1", "", true)
	f.Add("via @", "m2", "s1", false)
	f.Add("\x00\xff", "", "s9", true)

	c := New(zerolog.Nop(), []string{"sink"})
	f.Fuzz(func(t *testing.T, content, refID, refServer string, native bool) {
		ev := &record.RawEvent{
			MessageID: "m0",
			ServerID:  "s1",
			Content:   content,
		}
		if refID != "" || native {
			ev.Reference = &record.RawReference{MessageID: refID, ServerID: refServer, Native: native}
		}
		rec := c.Classify(ev)
		switch rec.Provenance {
		case record.ProvenanceOriginal, record.ProvenanceReply, record.ProvenanceForwarded:
		default:
			t.Fatalf("unexpected provenance %q", rec.Provenance)
		}
		if rec.IsForwarded() && (rec.Detail == nil || rec.Detail.Rule == "") {
			t.Fatalf("forwarded record without rule: %+v", rec.Detail)
		}
	})
}
