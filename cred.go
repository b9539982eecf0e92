package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/crypto/ed25519"

	"github.com/mit-dci/cred/cnode"
	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/config"
	"github.com/mit-dci/cred/logging"
)

/*
cred runs a local mutual credit mesh: our node (index 0, with the
persistent key from the home directory) plus some ephemeral peers, all
wired through an in-process transport.  The shell drives any node in
the mesh, so multi-hop payments can be set up and watched end to end
from one terminal.
*/

const logFileName = "cred.log"

type credMesh struct {
	hub   *cnode.PipeHub
	nodes []*cnode.CredNode
}

// helper function to see if a given path exists or not
func pathExists(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	return !os.IsNotExist(err)
}

func credSetup(conf *config.Config) {
	parser := config.NewConfigParser(conf, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if !pathExists(conf.CredHomeDir) {
		os.Mkdir(conf.CredHomeDir, 0700)
	}

	confFilePath := filepath.Join(conf.CredHomeDir, config.DefaultConfigFilename)
	if pathExists(confFilePath) {
		iniParser := flags.NewIniParser(parser)
		if err := iniParser.ParseFile(confFilePath); err != nil {
			logging.Errorf("config file %s: %s\n", confFilePath, err.Error())
			os.Exit(1)
		}
	}

	logLevel := conf.LogLevel
	if conf.Verbose {
		logLevel = 5
	}
	logging.SetLogLevel(logLevel)

	logFilePath := conf.LogFile
	if logFilePath == "" {
		logFilePath = filepath.Join(conf.CredHomeDir, logFileName)
	}
	if _, err := logging.OpenLogFile(logFilePath); err != nil {
		logging.Fatal(err)
	}
}

func main() {
	conf := config.Config{
		CredHomeDir: config.DefaultCredHomeDirName,
		Nodes:       config.DefaultNodes,
		LogLevel:    config.DefaultLogLevel,
	}
	credSetup(&conf)

	if conf.Nodes < 1 {
		conf.Nodes = 1
	}

	keyFilePath := filepath.Join(conf.CredHomeDir, config.DefaultKeyFileName)
	rootPriv, err := cnutil.ReadKeyFile(keyFilePath, conf.UsePass)
	if err != nil {
		logging.Fatal(err)
	}

	hub := cnode.NewPipeHub()
	mesh := &credMesh{hub: hub}

	for i := 0; i < conf.Nodes; i++ {
		priv := rootPriv
		if i > 0 {
			// mesh peers are ephemeral: fresh key, fresh db every run
			_, priv, err = ed25519.GenerateKey(rand.Reader)
			if err != nil {
				logging.Fatal(err)
			}
		}

		dbPath := filepath.Join(conf.CredHomeDir, fmt.Sprintf("cred%d.db", i))
		invPath := filepath.Join(conf.CredHomeDir, fmt.Sprintf("invoice%d.db", i))
		if i > 0 {
			os.Remove(dbPath)
			os.Remove(invPath)
		}

		trans := hub.Attach(cnutil.IdFromPriv(priv))
		nd, err := cnode.NewCredNode(priv, dbPath, trans)
		if err != nil {
			logging.Fatal(err)
		}
		if err = nd.UseInvoiceDB(invPath); err != nil {
			logging.Fatal(err)
		}
		if conf.FastExpiry {
			nd.CommitTTL = 10 * time.Second
			nd.HopTTL = 2 * time.Second
			nd.SweepInterval = 500 * time.Millisecond
		}
		nd.Start()
		mesh.watchNode(i, nd)
		mesh.nodes = append(mesh.nodes, nd)
	}

	fmt.Printf("cred mesh up: %d nodes, home node %s\n",
		len(mesh.nodes), mesh.nodes[0].Id.Short())

	mesh.shellPrompt(conf.CredHomeDir)

	for _, nd := range mesh.nodes {
		nd.Stop()
	}
	hub.Stop()
}
