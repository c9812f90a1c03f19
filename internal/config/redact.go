package config

import (
	"maps"
	"slices"
	"strings"
)

const redactedValue = "********"

// Redacted returns a deep copy of c with passwords, client secrets and URL
// credentials masked.
func (c Config) Redacted() Config {
	out := c
	out.FeatureFlags = maps.Clone(c.FeatureFlags)
	out.DatabaseURI = redactURL(c.DatabaseURI)

	out.Caches.each(func(cc *CacheConfig) {
		cc.RedisURL = redactURL(cc.RedisURL)
	})

	out.TaskQueue.Imports = slices.Clone(c.TaskQueue.Imports)
	out.TaskQueue.Annotations = maps.Clone(c.TaskQueue.Annotations)
	out.TaskQueue.BeatSchedule = maps.Clone(c.TaskQueue.BeatSchedule)
	out.TaskQueue.BrokerURL = redactURL(c.TaskQueue.BrokerURL)
	out.TaskQueue.ResultBackend = redactURL(c.TaskQueue.ResultBackend)

	if out.Email.Password != "" {
		out.Email.Password = redactedValue
	}

	if len(c.Auth.Providers) > 0 {
		out.Auth.Providers = make([]OAuthProvider, len(c.Auth.Providers))
		for i, p := range c.Auth.Providers {
			p.Whitelist = slices.Clone(p.Whitelist)
			p.Scopes = slices.Clone(p.Scopes)
			p.AccessTokenParams = maps.Clone(p.AccessTokenParams)
			if p.ClientSecret != "" {
				p.ClientSecret = redactedValue
			}
			out.Auth.Providers[i] = p
		}
	}

	return out
}

// redactURL masks the password between "://" and the last "@". It works on
// the raw string because DSN passwords often hold characters such as '#' or
// '/' that make net/url reject or misread the URI.
func redactURL(raw string) string {
	_, rest, found := strings.Cut(raw, "://")
	if !found {
		return raw
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return raw
	}
	user, _, hasPassword := strings.Cut(rest[:at], ":")
	if !hasPassword {
		return raw
	}
	start := len(raw) - len(rest)
	return raw[:start] + user + ":" + redactedValue + rest[at:]
}
