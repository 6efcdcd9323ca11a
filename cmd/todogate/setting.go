package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/nugget/todogate/internal/httpkit"
	"github.com/nugget/todogate/internal/settings"
)

// secretKeys are masked when settings are listed.
var secretKeys = map[string]bool{
	settings.KeyAPIKey: true,
}

// runSetting reads or writes the admin settings store.
//
//	setting <ns>               list a namespace
//	setting <ns> <key>         print one value
//	setting <ns> <key> <value> store a value; an empty value deletes it
func runSetting(w io.Writer, opts options, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("usage: todogate setting <namespace> [key [value]]")
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := settings.Open(settingsPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	ns := args[0]
	switch len(args) {
	case 1:
		kv, err := store.List(ns)
		if err != nil {
			return err
		}
		for k, v := range kv {
			if secretKeys[k] {
				kv[k] = httpkit.MaskSecret(v)
			}
		}
		if opts.outputFmt == "json" {
			return writeJSON(w, kv)
		}
		for _, k := range slices.Sorted(maps.Keys(kv)) {
			fmt.Fprintf(w, "%s = %s\n", k, kv[k])
		}
		return nil

	case 2:
		v, err := store.Get(ns, args[1])
		if err != nil {
			return err
		}
		if opts.outputFmt == "json" {
			return writeJSON(w, map[string]string{args[1]: v})
		}
		fmt.Fprintln(w, v)
		return nil

	default:
		key, value := args[1], strings.TrimSpace(args[2])
		if value == "" {
			if err := store.Delete(ns, key); err != nil {
				return err
			}
			fmt.Fprintf(w, "deleted %s/%s\n", ns, key)
			return nil
		}
		if err := store.Set(ns, key, value); err != nil {
			return err
		}
		fmt.Fprintf(w, "set %s/%s\n", ns, key)
		return nil
	}
}
