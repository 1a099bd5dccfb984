// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianXRef/services/xref/config"
)

// runConfigValidate loads a configuration file, from the argument or
// --config, and reports whether it is valid.
func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if path == "" {
		fmt.Fprintln(out, "default configuration is valid")
	} else {
		fmt.Fprintf(out, "%s is valid\n", path)
	}

	if showConfig {
		data, err := cfg.Redacted()
		if err != nil {
			return err
		}
		_, _ = out.Write(data)
	}
	return nil
}
