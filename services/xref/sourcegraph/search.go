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
)

const searchRepositoriesQuery = `query SearchRepositories($query: String!) {
	search(query: $query) {
		results {
			results {
				__typename
				... on FileMatch {
					repository {
						name
					}
				}
			}
		}
	}
}`

type searchData struct {
	Search *struct {
		Results struct {
			Results []struct {
				Typename   string `json:"__typename"`
				Repository *struct {
					Name string `json:"name"`
				} `json:"repository"`
			} `json:"results"`
		} `json:"results"`
	} `json:"search"`
}

// SearchRepositories runs a code search and returns the repository of
// every file match, in result order. Names may repeat.
func (c *Client) SearchRepositories(ctx context.Context, query string) ([]string, error) {
	var data searchData
	if err := c.GraphQL(ctx, "SearchRepositories", searchRepositoriesQuery, map[string]interface{}{"query": query}, &data); err != nil {
		return nil, err
	}
	if data.Search == nil {
		return nil, nil
	}

	var repos []string
	for _, r := range data.Search.Results.Results {
		if r.Typename != "FileMatch" || r.Repository == nil || r.Repository.Name == "" {
			continue
		}
		repos = append(repos, r.Repository.Name)
	}
	return repos, nil
}
