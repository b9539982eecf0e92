package config

import (
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

type Config struct { // define a struct for usage with go-flags
	CredHomeDir string `long:"dir" description:"Specify home directory of cred as an absolute path."`
	ConfigFile  string

	Nodes   int  `short:"n" long:"nodes" description:"Size of the local demo mesh (our node plus n-1 peers)."`
	UsePass bool `long:"usepass" description:"Protect the key file with a passphrase."`
	Verbose bool `short:"v" long:"verbose" description:"Set verbosity to true."`

	LogLevel int    `long:"loglevel" description:"Log level (0-5)."`
	LogFile  string `long:"logfile" description:"Write the log to this file instead of stderr."`

	FastExpiry bool `long:"fastexpiry" description:"Short commitment TTLs, for demos."`
}

var (
	DefaultCredHomeDirName = filepath.Join(os.Getenv("HOME"), ".cred")
	DefaultKeyFileName     = "privkey.hex"
	DefaultConfigFilename  = "cred.conf"
	DefaultNodes           = 4
	DefaultLogLevel        = 2
)

// NewConfigParser returns a new command line flags parser.
func NewConfigParser(conf *Config, options flags.Options) *flags.Parser {
	parser := flags.NewParser(conf, options)
	return parser
}
