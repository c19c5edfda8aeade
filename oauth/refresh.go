// Package oauth keeps tokens stored in the oauth_tokens table fresh ahead of
// expiry. A background loop wakes on a jittered schedule, reads the stored
// row through the encryption-aware db helpers, and runs the provider's
// refresh exchange once the remaining lifetime falls inside the window.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chat-tender/db"
)

// RefreshFunc exchanges a refresh token for fresh credentials and returns
// the new access token, refresh token, expiry, and scope.
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// OAuth2RefreshFunc adapts a standard oauth2 endpoint config into a
// RefreshFunc. An empty refresh token or scope in the exchange response is
// normal; the caller keeps the stored values in that case.
func OAuth2RefreshFunc(conf *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		scope, _ := tok.Extra("scope").(string)
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, scope, nil
	}
}

// StartRefresher launches a goroutine that keeps the provider's stored token
// refreshed. interval is how often the row is checked; window is the
// remaining lifetime below which a refresh runs.
func StartRefresher(ctx context.Context, dbc *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Cap the pre-refresh stagger so short intervals stay responsive.
	stagger := 5 * time.Second
	if interval/2 < stagger {
		stagger = interval / 2
	}
	go func() {
		// Randomize initial delay to spread load across instances.
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		initial := time.Duration(rand.Int63n(int64(interval / 2)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(initial):
		}
		for {
			refreshOnce(ctx, dbc, provider, window, stagger, fn)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jittered(interval)):
			}
		}
	}()
}

// refreshOnce checks the stored row and refreshes it when expiry is inside
// the window. Errors are logged and swallowed; the next wake retries.
func refreshOnce(ctx context.Context, dbc *sql.DB, provider string, window, stagger time.Duration, fn RefreshFunc) {
	_, refresh, expiry, scope, err := db.GetOAuthToken(ctx, dbc, provider)
	if err != nil || refresh == "" {
		return
	}
	if time.Until(expiry) > window {
		return
	}

	// Stagger replicas that all see the same expiry at once.
	if stagger > 0 {
		//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
		pre := time.Duration(rand.Int63n(int64(stagger)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(pre):
		}
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAccess, newRefresh, newExpiry, newScope, err := fn(rctx, refresh)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	// Providers may omit the refresh token and scope on rotation.
	if newRefresh == "" {
		newRefresh = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, dbc, provider, newAccess, newRefresh, newExpiry, strings.TrimSpace(newScope)); err != nil {
		slog.Warn("token persist failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	slog.Info("token refreshed", slog.String("provider", provider), slog.Time("expires_at", newExpiry))
}

// jittered shifts the interval by up to twenty percent either way, floored
// at half the interval.
func jittered(interval time.Duration) time.Duration {
	span := int64(interval / 5)
	if span <= 0 {
		return interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	d := interval + time.Duration(rand.Int63n(span*2)-span)
	if d < interval/2 {
		d = interval / 2
	}
	return d
}
