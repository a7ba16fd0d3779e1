package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var envKeys = []string{
	"server.port",
	"database.host", "database.port", "database.user", "database.password", "database.name", "database.ssl_mode",
	"redis.enabled", "redis.host", "redis.port", "redis.password",
	"amqp.enabled", "amqp.url",
	"notifications.webhook.enabled", "notifications.webhook.url",
	"scheduler.enabled", "scheduler.spec", "scheduler.cron_secret",
	"jwt.secret",
	"log.level", "log.format",
	"monitoring.tracing.enabled", "monitoring.tracing.endpoint",
}

var rootCmd = &cobra.Command{
	Use:   "changedesk",
	Short: "ITSM change lifecycle automation engine",
	Long: `changedesk manages change requests through approval and execution,
auto-starts approved changes when their scheduled window opens and
prompts assignees once a change runs past its estimated end time.`,
	SilenceUsage: true,
	// 不带子命令时直接启动服务
	RunE: run,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// CHANGEDESK_SCHEDULER_CRON_SECRET -> scheduler.cron_secret
	viper.SetEnvPrefix("changedesk")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// 配置文件中未出现的键不会被 AutomaticEnv 覆盖，常用部署项显式绑定
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}
