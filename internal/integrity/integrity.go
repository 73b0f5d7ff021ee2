// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package integrity produces tamper-evident commit records for checkpoint
// files, using the same note format Go's module proxy/checksum database
// uses for signed tree heads. Signing a checkpoint's header (rather than the
// whole, potentially enormous, file) is enough to catch substitution: the
// header's DataOffsets pin down exactly which bytes each tensor occupies.
package integrity

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

func sum(b []byte) [sha256.Size]byte { return sha256.Sum256(b) }

// Sign produces a signed note over a checkpoint's header bytes, identifying
// it by path so a verifier can tell which file a given .sig belongs to.
func Sign(signer note.Signer, path string, headerBytes []byte) ([]byte, error) {
	text := fmt.Sprintf("ckptengine checkpoint header\npath: %s\nsha: %x\n", path, sum(headerBytes))
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	signed, err := note.Sign(&note.Note{Text: text}, signer)
	if err != nil {
		return nil, fmt.Errorf("integrity: sign %q: %w", path, err)
	}
	return signed, nil
}

// Verify checks that signed is a validly-signed note from verifier, and
// returns the note's plaintext body.
func Verify(verifier note.Verifier, signed []byte) (string, error) {
	n, err := note.Open(signed, note.VerifierList(verifier))
	if err != nil {
		return "", fmt.Errorf("integrity: verify: %w", err)
	}
	return n.Text, nil
}
