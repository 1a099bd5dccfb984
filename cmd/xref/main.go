// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command xref runs the Aleutian XRef code navigation service.
//
// XRef answers hover, definition, implementation, and references requests
// for TypeScript and JavaScript documents on a Sourcegraph instance.
// References are searched across every repository that depends on the
// symbol's package.
//
// Usage:
//
//	xref serve --config xref.yaml
//	xref references 'git://github.com/owner/repo?main#src/index.ts' 10 4
//	xref config validate xref.yaml
//
// Example requests:
//
//	# Health check
//	curl http://127.0.0.1:8765/v1/xref/health
//
//	# Find references
//	curl -X POST http://127.0.0.1:8765/v1/xref/references \
//	  -H "Content-Type: application/json" \
//	  -d '{"textDocument": "git://github.com/owner/repo?main#src/index.ts", "position": {"line": 10, "character": 4}}'
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
