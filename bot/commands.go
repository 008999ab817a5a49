// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shukon/matrix-secretary/policy"
	"github.com/shukon/matrix-secretary/secretary"
)

// maxPolicySize caps downloaded policy documents at 10 MB.
const maxPolicySize = 10 << 20

// ErrFileTooLarge is returned by the add command when the downloaded
// document exceeds maxPolicySize.
var ErrFileTooLarge = errors.New("policy document too large")

// ErrWrongContentType is returned by the add command when the server
// does not declare a JSON content type.
var ErrWrongContentType = errors.New("policy document is not JSON")

func (b *Bot) listPolicies(ctx context.Context) (string, error) {
	keys, err := b.secretary.Store().PolicyKeys(ctx)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "No policies stored. Use add <url> or load-examples to install some.", nil
	}
	return "Stored policies:\n  " + strings.Join(keys, "\n  "), nil
}

func (b *Bot) showPolicy(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: show <policy>", nil
	}
	document, err := b.secretary.Store().Policy(ctx, args[0])
	if err != nil {
		return "", err
	}
	pretty, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return "", err
	}
	return string(pretty), nil
}

func (b *Bot) addPolicy(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: add <url>", nil
	}
	document, err := b.fetchPolicy(ctx, args[0])
	if err != nil {
		return "", err
	}
	if issues := policy.Validate(document); len(issues) > 0 {
		return "", &secretary.ConfigurationError{PolicyKey: document.PolicyKey, Issues: issues}
	}
	if err := b.secretary.Store().UpsertPolicy(ctx, document); err != nil {
		return "", err
	}
	return fmt.Sprintf("Policy %q stored. Run ensure %s to apply it.", document.PolicyKey, document.PolicyKey), nil
}

// fetchPolicy downloads a policy document over HTTP. The server must
// declare a JSON content type and the body must fit in maxPolicySize.
func (b *Bot) fetchPolicy(ctx context.Context, url string) (*policy.Policy, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching policy: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := b.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching policy: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching policy: %s returned %s", url, response.Status)
	}
	contentType := response.Header.Get("Content-Type")
	if !strings.Contains(contentType, "json") {
		return nil, fmt.Errorf("%s declares %q: %w", url, contentType, ErrWrongContentType)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxPolicySize+1))
	if err != nil {
		return nil, fmt.Errorf("fetching policy: %w", err)
	}
	if len(body) > maxPolicySize {
		return nil, fmt.Errorf("%s exceeds %d bytes: %w", url, maxPolicySize, ErrFileTooLarge)
	}

	return policy.Parse(body)
}

func (b *Bot) ensurePolicy(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: ensure <policy>", nil
	}
	if err := b.secretary.EnsurePolicy(ctx, args[0]); err != nil {
		return "", err
	}
	return fmt.Sprintf("Policy %q ensured.", args[0]), nil
}

func (b *Bot) ensureAll(ctx context.Context) (string, error) {
	if err := b.secretary.EnsureAllPolicies(ctx); err != nil {
		return "", err
	}
	return "All policies ensured.", nil
}

func (b *Bot) removePolicy(ctx context.Context, args []string) (string, error) {
	deleteRooms := false
	var policyKey string
	for _, arg := range args {
		if arg == "--rooms" {
			deleteRooms = true
			continue
		}
		if policyKey != "" {
			return "Usage: rm <policy> [--rooms]", nil
		}
		policyKey = arg
	}
	if policyKey == "" {
		return "Usage: rm <policy> [--rooms]", nil
	}

	if deleteRooms {
		if err := b.secretary.EnsurePolicyDestroyed(ctx, policyKey); err != nil {
			return "", err
		}
		return fmt.Sprintf("Policy %q destroyed, its rooms are gone.", policyKey), nil
	}
	if err := b.secretary.ForgetPolicy(ctx, policyKey); err != nil {
		return "", err
	}
	return fmt.Sprintf("Policy %q forgotten. Its rooms live on unmanaged.", policyKey), nil
}

func (b *Bot) clearRooms(ctx context.Context, onlyAbandoned bool) (string, error) {
	deleted, err := b.secretary.DeleteAllRooms(ctx, onlyAbandoned, true)
	if err != nil {
		var sweepErr *secretary.SweepError
		if errors.As(err, &sweepErr) {
			return fmt.Sprintf("Deleted %d room(s), but not all of them:\n%s", deleted, sweepErr.Error()), nil
		}
		return "", err
	}
	return fmt.Sprintf("Done clearing old rooms! Deleted %d room(s).", deleted), nil
}

func (b *Bot) loadExamples(ctx context.Context) (string, error) {
	keys, err := b.secretary.LoadExamples(ctx)
	if err != nil {
		return "", err
	}
	return "Installed example policies:\n  " + strings.Join(keys, "\n  "), nil
}

// describeError renders a core error as a reply. A missing policy gets
// the list of stored keys so the user can pick one.
func (b *Bot) describeError(ctx context.Context, err error) string {
	if errors.Is(err, secretary.ErrPolicyNotFound) {
		keys, listErr := b.secretary.Store().PolicyKeys(ctx)
		if listErr != nil || len(keys) == 0 {
			return fmt.Sprintf("%v. No policies are stored yet — use add <url> or load-examples.", err)
		}
		return fmt.Sprintf("%v. Pick one of:\n  %s", err, strings.Join(keys, "\n  "))
	}
	return fmt.Sprintf("Sorry, I tried, but something went wrong: %v", err)
}
