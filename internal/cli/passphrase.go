// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/jeremyhahn/go-diskvault/internal/password"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

// readPassphrase obtains a passphrase from the given file, or prompts on
// stdin when no file is set. The returned Password must be Cleared by the
// caller.
func readPassphrase(file, prompt string) (types.Password, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase file: %w", err)
		}
		defer zeroBytes(data)
		return password.New(bytes.TrimRight(data, "\r\n"))
	}

	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return password.NewFromString(trimEOL(line))
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
