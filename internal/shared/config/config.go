package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"proxyrotator/internal/shared/types"
)

// LoadIni 加载 rotator.ini，缺失的键保留默认值，然后应用环境变量覆盖并校验。
func LoadIni(fileName string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return nil, err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", fileName, err)
	}
	overrideFromEnvInt(&cfg.DownloadDelayMs, "ROTATOR_DOWNLOAD_DELAY_MS")
	overrideFromEnvInt(&cfg.ErrorThreshold, "ROTATOR_ERROR_THRESHOLD")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
