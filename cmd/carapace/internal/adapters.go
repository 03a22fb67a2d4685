// Package internal wires cmd/carapace's cobra commands to the gateway's
// packages: config loading, adapter construction, and the serve/status
// lifecycle.
package internal

import (
	"fmt"
	"time"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/adapter/discord"
	"github.com/carapace-gateway/carapace/internal/adapter/gmail"
	"github.com/carapace-gateway/carapace/internal/adapter/imsg"
	"github.com/carapace-gateway/carapace/internal/adapter/signal"
	"github.com/carapace-gateway/carapace/internal/config"
)

// BuildAdapters constructs one Adapter per enabled channel in cfg,
// keyed by channel id. The channel id set is closed: {imsg, signal,
// discord, gmail}, per spec.md's channel glossary.
func BuildAdapters(cfg *config.Config) (map[string]adapter.Adapter, error) {
	out := make(map[string]adapter.Adapter, len(cfg.Channels))
	for id, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		ad, err := buildOne(id, ch.AdapterOptions)
		if err != nil {
			return nil, fmt.Errorf("channels.%s: %w", id, err)
		}
		out[id] = ad
	}
	return out, nil
}

func buildOne(id string, opts map[string]any) (adapter.Adapter, error) {
	switch id {
	case "imsg":
		binary := adapter.OptionString(opts, "binary")
		if err := adapter.CheckExecutable(binary); err != nil {
			return nil, err
		}
		return imsg.New(imsg.Options{
			Binary:  binary,
			Timeout: seconds(opts, "timeout_seconds"),
		}), nil
	case "signal":
		binary := adapter.OptionString(opts, "binary")
		if err := adapter.CheckExecutable(binary); err != nil {
			return nil, err
		}
		return signal.New(signal.Options{
			Binary:  binary,
			Account: adapter.OptionString(opts, "account"),
			Timeout: seconds(opts, "timeout_seconds"),
		}), nil
	case "discord":
		return discord.New(discord.Options{
			BotToken: adapter.OptionString(opts, "bot_token"),
		}), nil
	case "gmail":
		return gmail.New(gmail.Options{
			ClientID:     adapter.OptionString(opts, "client_id"),
			ClientSecret: adapter.OptionString(opts, "client_secret"),
			RefreshToken: adapter.OptionString(opts, "refresh_token"),
			HTTPTimeout:  seconds(opts, "http_timeout_seconds"),
		}), nil
	default:
		return nil, &adapter.ErrUnknownChannel{Channel: id}
	}
}

func seconds(opts map[string]any, key string) time.Duration {
	return time.Duration(adapter.OptionSeconds(opts, key)) * time.Second
}
