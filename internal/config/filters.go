package config

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/iamwavecut/aegis/resources"
)

// Filters holds the curated word and pattern lists used by the detection
// heuristics. They ship embedded so the binary works without any external
// files; edit resources/filters.yml to tune them.
type Filters struct {
	SpamPatterns      []string `yaml:"spam_patterns"`
	ProfanityWords    []string `yaml:"profanity_words"`
	ShortLinkDomains  []string `yaml:"short_link_domains"`
	UsernameTokens    []string `yaml:"suspicious_username_tokens"`
	PromoWords        []string `yaml:"promo_words"`
	DangerousPatterns []string `yaml:"dangerous_patterns"`
}

var (
	filtersOnce sync.Once
	filters     Filters
)

func GetFilters() Filters {
	filtersOnce.Do(func() {
		raw, err := resources.FS.ReadFile("filters.yml")
		if err != nil {
			log.WithField("error", err.Error()).Error("cant read filters resource")
			return
		}
		if err := yaml.Unmarshal(raw, &filters); err != nil {
			log.WithField("error", err.Error()).Error("cant unmarshal filters resource")
		}
	})
	return filters
}
