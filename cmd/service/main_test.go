package main

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestFlagKeys(t *testing.T) {
	for flag, key := range flagKeys {
		if rootCmd.Flags().Lookup(flag) == nil {
			t.Errorf("flag %q mapped to %q is not registered", flag, key)
		}
		if !strings.Contains(key, ".") {
			t.Errorf("key %q of flag %q has no section", key, flag)
		}
	}

	rootCmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "help" {
			return
		}
		if _, ok := flagKeys[f.Name]; !ok {
			t.Errorf("flag %q is not bound to a configuration key", f.Name)
		}
	})
}
