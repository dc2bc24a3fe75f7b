package app

import (
	"strings"

	"github.com/charlesng35/rentdesk/internal/offline"
	"github.com/charlesng35/rentdesk/internal/offline/cache"
)

// OfflineConfig converts the application configuration into the offline package representation.
func (c Config) OfflineConfig() offline.Config {
	assets := make([]string, 0, len(c.Cache.Assets))
	for _, asset := range c.Cache.Assets {
		if asset = strings.TrimSpace(asset); asset != "" {
			assets = append(assets, asset)
		}
	}

	headers := make(map[string]string, len(c.Remote.Headers))
	for name, value := range c.Remote.Headers {
		headers[name] = value
	}

	return offline.Config{
		Cache: cache.Config{
			Version:      strings.TrimSpace(c.Cache.Version),
			Origin:       strings.TrimSpace(c.Origin.BaseURL),
			Assets:       assets,
			Timeout:      c.Cache.FetchTimeout,
			MaxBodyBytes: c.Cache.MaxBodyBytes,
		},
		Queue: offline.QueueConfig{
			Backend:    strings.ToLower(strings.TrimSpace(c.Queue.Backend)),
			Path:       strings.TrimSpace(c.Queue.Path),
			MaxEntries: c.Queue.MaxEntries,
		},
		Remote: offline.RemoteConfig{
			BaseURL: strings.TrimSpace(c.Remote.BaseURL),
			Timeout: c.Remote.Timeout,
			Headers: headers,
		},
	}
}
