package configure

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

/*
{
  "level": "info",
  "abr_wait_threshold": 4,
  "temp_dir": "",
  "use_ranges": true
}
*/

type EngineCfg struct {
	Level            string  `mapstructure:"level"`
	ConfigFile       string  `mapstructure:"config_file"`
	TempDir          string  `mapstructure:"temp_dir"`
	ABRWaitThreshold float64 `mapstructure:"abr_wait_threshold"`
	UseRanges        bool    `mapstructure:"use_ranges"`
	PreferredHeight  int     `mapstructure:"preferred_height"`
}

// default config
var defaultConf = EngineCfg{
	Level:            "info",
	ConfigFile:       "hlsplay.yaml",
	TempDir:          "",
	ABRWaitThreshold: 4.0,
	UseRanges:        true,
	PreferredHeight:  720,
}

var Config = viper.New()

func init() {
	b, _ := json.Marshal(defaultConf)
	defaults := bytes.NewReader(b)
	viper.SetConfigType("json")
	viper.ReadConfig(defaults)
	Config.MergeConfigMap(viper.AllSettings())
}

func initLog() {
	if l, err := log.ParseLevel(Config.GetString("level")); err == nil {
		log.SetLevel(l)
		log.SetReportCaller(l == log.DebugLevel)
	}
}

// Init binds flags, the optional config file and the environment on top
// of the defaults. Called once from main; library consumers can use the
// defaults as is.
func Init() {
	// Flags
	pflag.String("config_file", "hlsplay.yaml", "configure filename")
	pflag.String("level", "info", "Log level")
	pflag.String("temp_dir", "", "segment blob directory, system temp dir when empty")
	pflag.Float64("abr_wait_threshold", 4.0, "seconds of buffering before a resolution downshift")
	pflag.Bool("use_ranges", true, "stream byte-ranged segments over one connection when the server allows it")
	pflag.Int("preferred_height", 720, "preferred initial rendition height")
	pflag.Parse()
	Config.BindPFlags(pflag.CommandLine)

	// File
	Config.SetConfigFile(Config.GetString("config_file"))
	Config.AddConfigPath(".")
	err := Config.ReadInConfig()
	if err != nil {
		log.Warning(err)
		log.Info("Using default config")
	} else {
		Config.MergeInConfig()
	}

	// Environment
	replacer := strings.NewReplacer(".", "_")
	Config.SetEnvKeyReplacer(replacer)
	Config.AllowEmptyEnv(true)
	Config.AutomaticEnv()

	// Log
	initLog()

	c := EngineCfg{}
	Config.Unmarshal(&c)
	log.Debugf("Current configurations: \n%# v", pretty.Formatter(c))
}
