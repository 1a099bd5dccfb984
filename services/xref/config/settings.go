// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package config

import (
	"fmt"
	"strings"
)

// Host setting keys.
const (
	SettingServerURL      = "typescript.serverUrl"
	SettingAccessToken    = "typescript.accessToken"
	SettingSourcegraphURL = "sourcegraph.url"

	typeScriptPrefix = "typescript."
)

// Settings is the flat host configuration, e.g. "typescript.serverUrl".
type Settings map[string]interface{}

// String returns the setting as a string, or "" when absent or not a
// string.
func (s Settings) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// ServerURL returns typescript.serverUrl, possibly "".
func (s Settings) ServerURL() string {
	return strings.TrimSpace(s.String(SettingServerURL))
}

// AccessToken returns typescript.accessToken, possibly "".
func (s Settings) AccessToken() string {
	return s.String(SettingAccessToken)
}

// Configuration builds the initializationOptions.configuration sent to a
// backend: sourcegraph.url plus every typescript.* setting.
func (s Settings) Configuration(instanceURL string) map[string]interface{} {
	out := map[string]interface{}{SettingSourcegraphURL: instanceURL}
	for k, v := range s {
		if strings.HasPrefix(k, typeScriptPrefix) {
			out[k] = v
		}
	}
	return out
}

// Clone returns a shallow copy.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Redacted returns a copy with the access token masked.
func (s Settings) Redacted() Settings {
	out := s.Clone()
	if _, ok := out[SettingAccessToken]; ok {
		out[SettingAccessToken] = "REDACTED"
	}
	return out
}

// GoString keeps tokens out of %#v output.
func (s Settings) GoString() string {
	return fmt.Sprintf("config.Settings(%d keys)", len(s))
}
