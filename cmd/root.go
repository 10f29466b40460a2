package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tagwatch/tagwatch/internal/utils"
	"github.com/tagwatch/tagwatch/pkg/namematch"
	"github.com/tagwatch/tagwatch/pkg/pipeline"
	"github.com/tagwatch/tagwatch/pkg/sources/eq"
	"github.com/tagwatch/tagwatch/pkg/sources/logger"
	"github.com/tagwatch/tagwatch/pkg/sources/qcportal"
	"github.com/tagwatch/tagwatch/pkg/whttp"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

const (
	LOGO = `	 _____
	|_   _|_ _  __ ___      ____ _| |_ ___| |__
	  | |/ _' |/ _' \ \ /\ / / _' | __/ __| '_ \
	  | | (_| | (_| |\ V  V / (_| | || (__| | | |
	  |_|\__,_|\__, | \_/\_/ \__,_|\__\___|_| |_|
	           |___/

`
)

// defaultAliases maps known channel name variants to the spelling the
// logger export uses, keyed and valued in normalized form. An aliases
// key in the config file replaces the table.
var defaultAliases = map[string]string{
	"news state bhjk":  "news state bihar jharkhand",
	"zee up uk":        "zee uttar pradesh uttarakhand",
	"zee rajasthan":    "zee rajasthan news",
	"news state mp cg": "news state madhya pradesh-chhattisgarh",
	"news18 pnb hr":    "news18 punjab haryana",
	"reporter":         "reporter tv new",
	"portidin time":    "protidin time",
	"public tv":        "public tv new",
	"tv9 telugu":       "tv9 telugu new",
	"tv 5 news":        "tv 5 news new",
	"news18 kannada":   "news18 kannada new",
	"dd news":          "dd news new",
	"saam tv":          "saam tv new",
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tagwatch",
	Short: "A broadcast channel tagging and QC activity dashboard.",
	Long: LOGO + `tagwatch aggregates per-channel activity from the logger export API,
the EQ report service and the QC portal, reconciles channel identities
across their naming schemes and reports which channels are done for the
day.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tagwatch.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".tagwatch")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := home + "/.tagwatch.yaml"
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s", err)
			}
		}
	}

	// Set default empty values for all keys
	viper.SetDefault("logger.url", "")
	viper.SetDefault("eq.url", "")
	viper.SetDefault("qc.url", "")
	viper.SetDefault("qc.username", "")
	viper.SetDefault("qc.password", "")
	viper.SetDefault("channels.daily", []string{})
	viper.SetDefault("channels.eq", []string{})
	viper.SetDefault("clusters", map[string][]string{})
	viper.SetDefault("qc.clusters", []map[string]interface{}{})
	viper.SetDefault("aliases", defaultAliases)

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}

// buildPipeline wires the source clients out of the loaded config. Every
// data-fetching command goes through here.
func buildPipeline(cmd *cobra.Command) (*pipeline.Pipeline, error) {
	if proxy, _ := cmd.Flags().GetString("proxy"); proxy != "" {
		if err := whttp.SetupProxy(proxy); err != nil {
			return nil, err
		}
	}

	loggerURL := viper.GetString("logger.url")
	if loggerURL == "" {
		return nil, errors.New("logger.url is not configured (edit ~/.tagwatch.yaml)")
	}
	qcURL := viper.GetString("qc.url")
	if qcURL == "" {
		return nil, errors.New("qc.url is not configured (edit ~/.tagwatch.yaml)")
	}

	portal, err := qcportal.NewSession(qcportal.Config{
		BaseURL:  qcURL,
		Username: viper.GetString("qc.username"),
		Password: viper.GetString("qc.password"),
	})
	if err != nil {
		return nil, err
	}

	var eqClient *eq.Client
	if url := viper.GetString("eq.url"); url != "" {
		eqClient = eq.NewClient(url)
	}

	var qcClusters []pipeline.QCCluster
	if err := viper.UnmarshalKey("qc.clusters", &qcClusters); err != nil {
		return nil, fmt.Errorf("bad qc.clusters config: %w", err)
	}

	return pipeline.New(pipeline.Config{
		Logger:     logger.NewClient(loggerURL),
		EQ:         eqClient,
		Portal:     portal,
		Norm:       namematch.NewNormalizer(viper.GetStringMapString("aliases")),
		ChannelIDs: viper.GetStringSlice("channels.daily"),
		Clusters:   viper.GetStringMapStringSlice("clusters"),
		EQChannels: viper.GetStringSlice("channels.eq"),
		QCClusters: qcClusters,
	}), nil
}
