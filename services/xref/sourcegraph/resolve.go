// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package sourcegraph

import (
	"context"
	"fmt"
)

const resolveRevQuery = `query ResolveRev($repoName: String!, $rev: String!) {
	repository(name: $repoName) {
		mirrorInfo {
			cloneInProgress
		}
		commit(rev: $rev) {
			oid
		}
	}
}`

type resolveRevData struct {
	Repository *struct {
		MirrorInfo struct {
			CloneInProgress bool `json:"cloneInProgress"`
		} `json:"mirrorInfo"`
		Commit *struct {
			OID string `json:"oid"`
		} `json:"commit"`
	} `json:"repository"`
}

// ResolveRev resolves rev of repo to a full commit ID.
//
// # Description
//
// Successful resolutions are cached for the configured TTL, so repeated
// lookups of "HEAD" for the same dependent within one aggregation cost a
// single round trip.
//
// # Outputs
//
//   - string: The 40-character commit ID.
//   - error: ErrRepoNotFound, ErrCloneInProgress, ErrRevisionNotFound, or a
//     request error.
func (c *Client) ResolveRev(ctx context.Context, repo, rev string) (string, error) {
	key := repo + "@" + rev
	if oid, ok := c.revisions.Get(key); ok {
		recordRevisionCache(ctx, true)
		return oid, nil
	}
	recordRevisionCache(ctx, false)

	var data resolveRevData
	vars := map[string]interface{}{"repoName": repo, "rev": rev}
	if err := c.GraphQL(ctx, "ResolveRev", resolveRevQuery, vars, &data); err != nil {
		return "", err
	}

	switch {
	case data.Repository == nil:
		return "", fmt.Errorf("%w: %s", ErrRepoNotFound, repo)
	case data.Repository.MirrorInfo.CloneInProgress:
		return "", fmt.Errorf("%w: %s", ErrCloneInProgress, repo)
	case data.Repository.Commit == nil || data.Repository.Commit.OID == "":
		return "", fmt.Errorf("%w: %s@%s", ErrRevisionNotFound, repo, rev)
	}

	oid := data.Repository.Commit.OID
	c.revisions.Add(key, oid)
	return oid, nil
}
