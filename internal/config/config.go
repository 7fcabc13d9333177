package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken string `env:"TOKEN,required"`
		OwnerID          int64  `env:"OWNER_ID,required"`
		TriggerWord      string `env:"TRIGGER_WORD,default=alya"`
		LogLevel         int    `env:"LOG_LEVEL,default=4"`
		DotPath          string `env:"DOT_PATH,default=~/.aegis"`
		MetricsAddr      string `env:"METRICS_ADDR,default=:2112"`
		LLM              LLM
		Detection        Detection
		Rates            Rates
		Moderation       Moderation
		Trust            Trust
		Backup           Backup
	}

	LLM struct {
		APIKey       string        `env:"LLM_API_KEY,required"`
		Model        string        `env:"LLM_API_MODEL,default=gpt-4o-mini"`
		BaseURL      string        `env:"LLM_API_URL,default=https://api.openai.com/v1"`
		Type         string        `env:"LLM_API_TYPE,default=openai"`
		Timeout      time.Duration `env:"LLM_TIMEOUT,default=30s"`
		SystemPrompt string        `env:"LLM_SYSTEM_PROMPT,default=You are a friendly, concise assistant."`
	}

	Detection struct {
		MaxMessageLength     int     `env:"MAX_MESSAGE_LENGTH,default=4000"`
		MaxIdenticalMessages int     `env:"MAX_IDENTICAL_MESSAGES,default=3"`
		SpamScoreThreshold   int     `env:"SPAM_SCORE_THRESHOLD,default=5"`
		AutoBanScore         int     `env:"AUTO_BAN_SCORE,default=10"`
		MaxCapsRatio         float64 `env:"MAX_CAPS_RATIO,default=0.7"`
		ProfanityFilter      bool    `env:"PROFANITY_FILTER,default=true"`
		LinkFilter           bool    `env:"LINK_FILTER,default=true"`
		CapsFilter           bool    `env:"CAPS_FILTER,default=true"`
	}

	Rates struct {
		MaxMessagesPerMinute int `env:"MAX_MESSAGES_PER_MINUTE,default=10"`
		MaxMessagesPerHour   int `env:"MAX_MESSAGES_PER_HOUR,default=100"`
		MaxAPICallsPerMinute int `env:"MAX_API_CALLS_PER_MINUTE,default=5"`
	}

	Moderation struct {
		MuteDuration       time.Duration `env:"MUTE_DURATION,default=30m"`
		EscalationMute     time.Duration `env:"ESCALATION_MUTE_DURATION,default=60m"`
		WarningsBeforeMute int           `env:"WARNINGS_BEFORE_MUTE,default=3"`
		SweepInterval      time.Duration `env:"SWEEP_INTERVAL,default=5m"`
	}

	Trust struct {
		Verification       bool  `env:"USER_VERIFICATION,default=true"`
		NewAccountIDCutoff int64 `env:"NEW_ACCOUNT_ID_CUTOFF,default=5000000000"`
	}

	Backup struct {
		StateFile  string        `env:"STATE_FILE,default=aegis.json"`
		Dir        string        `env:"BACKUP_DIR,default=backups"`
		Interval   time.Duration `env:"BACKUP_INTERVAL,default=1h"`
		MaxFiles   int           `env:"MAX_BACKUP_FILES,default=10"`
		Checkpoint time.Duration `env:"CHECKPOINT_INTERVAL,default=5m"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg := &Config{}
		envcfg := envconfig.Config{
			Lookuper: envconfig.PrefixLookuper("AEGIS_", envconfig.OsLookuper()),
			Target:   cfg,
		}
		if err := envconfig.ProcessWith(context.Background(), &envcfg); err != nil {
			globalErr = fmt.Errorf("process env config: %w", err)
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			globalErr = fmt.Errorf("get user home directory: %w", err)
			return
		}
		cfg.DotPath = strings.Replace(cfg.DotPath, "~", home, 1)
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}
