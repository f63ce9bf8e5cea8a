package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/ttbt-io/turnledger/backend"
)

var (
	dataDir = flag.String("data-dir", "data", "Directory for session and action data")
)

// main decodes stored session, action and counter files and prints them as JSON.
func main() {
	flag.Parse()
	var masterKey crypto.MasterKey
	keyFile := filepath.Join(*dataDir, "master.key")
	if passphrase := os.Getenv("TL_MASTER_KEY"); passphrase != "" {
		var err error
		if masterKey, err = crypto.ReadMasterKey([]byte(passphrase), keyFile); err != nil {
			log.Fatalf("Failed to read master key: %v", err)
		}
	} else if _, err := os.Stat(keyFile); err == nil {
		log.Fatalf("%s exists but TL_MASTER_KEY is not set.", keyFile)
	}
	store := storage.New(*dataDir, masterKey)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for _, arg := range flag.Args() {
		arg = strings.TrimPrefix(strings.TrimPrefix(arg, *dataDir), string(filepath.Separator))
		var obj any
		switch {
		case strings.HasPrefix(arg, "actions"):
			obj = new([]backend.Action)
		case filepath.Base(arg) == "counter.json", filepath.Base(arg) == "nodes.json":
			obj = new(map[string]any)
		default:
			obj = new(backend.Game)
		}
		if err := store.ReadDataFile(arg, obj); err != nil {
			log.Printf("%s: %v", arg, err)
			continue
		}
		fmt.Printf("=========== %s ===========\n", arg)
		if err := enc.Encode(obj); err != nil {
			log.Printf("JSON: %s: %v", arg, err)
		}
	}
}
