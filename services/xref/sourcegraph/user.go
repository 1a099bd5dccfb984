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
	"errors"
	"fmt"
)

// ErrNotAuthenticated indicates the request was not made as a user.
var ErrNotAuthenticated = errors.New("not authenticated")

// User is the authenticated instance user.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

const currentUserQuery = `query CurrentUser {
	currentUser {
		id
		username
	}
}`

const createAccessTokenMutation = `mutation CreateAccessToken($user: ID!, $scopes: [String!]!, $note: String!) {
	createAccessToken(user: $user, scopes: $scopes, note: $note) {
		id
		token
	}
}`

// CurrentUser returns the user the client authenticates as.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var data struct {
		CurrentUser *User `json:"currentUser"`
	}
	if err := c.GraphQL(ctx, "CurrentUser", currentUserQuery, nil, &data); err != nil {
		return nil, err
	}
	if data.CurrentUser == nil {
		return nil, ErrNotAuthenticated
	}
	return data.CurrentUser, nil
}

// CreateAccessToken creates a "user:all" access token for the current
// user and returns its secret. The secret is only ever returned once by
// the instance.
func (c *Client) CreateAccessToken(ctx context.Context, note string) (string, error) {
	user, err := c.CurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("current user: %w", err)
	}

	var data struct {
		CreateAccessToken *struct {
			ID    string `json:"id"`
			Token string `json:"token"`
		} `json:"createAccessToken"`
	}
	vars := map[string]interface{}{
		"user":   user.ID,
		"scopes": []string{"user:all"},
		"note":   note,
	}
	if err := c.GraphQL(ctx, "CreateAccessToken", createAccessTokenMutation, vars, &data); err != nil {
		return "", err
	}
	if data.CreateAccessToken == nil || data.CreateAccessToken.Token == "" {
		return "", fmt.Errorf("%w: CreateAccessToken returned no token", ErrGraphQL)
	}
	return data.CreateAccessToken.Token, nil
}
