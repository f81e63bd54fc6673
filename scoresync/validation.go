// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scoresync

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mobiletoly/go-scoresync/scores"
)

// Validation error sentinels for HTTP status mapping
var (
	ErrValidation    = errors.New("validation_error")
	ErrBatchTooLarge = errors.New("batch_too_large")
)

// validateAttempt wraps attempt validation failures with ErrValidation
func validateAttempt(a scores.Attempt) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// parseIdentity splits "<group>@<epoch ms>" and checks it belongs to kind
func parseIdentity(kind scores.Kind, raw string) (scores.IdentityKey, error) {
	idx := strings.LastIndex(raw, "@")
	if idx <= 0 || idx == len(raw)-1 {
		return "", fmt.Errorf("%w: malformed identity %q", ErrValidation, raw)
	}
	group, err := scores.ParseGroupKey(raw[:idx])
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if group.Kind != kind {
		return "", fmt.Errorf("%w: identity %q is not a %s record", ErrValidation, raw, kind)
	}
	ms, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil || ms <= 0 {
		return "", fmt.Errorf("%w: identity %q has an invalid timestamp", ErrValidation, raw)
	}
	return scores.IdentityKey(raw), nil
}

// validateQuizScope requires section and module to be given together
func validateQuizScope(section, module string) error {
	if (section == "") != (module == "") {
		return fmt.Errorf("%w: sectionId and moduleId must be given together", ErrValidation)
	}
	if section != "" {
		if err := scores.QuizKey(section, module).Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return nil
}
