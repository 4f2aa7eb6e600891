package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/voxstream/ttscore/internal/config"
	"github.com/voxstream/ttscore/internal/vault"
	"golang.org/x/term"
)

// dispatcherRefs builds the "dispatcher/<model_slug>" key references for
// every model configured under [dispatcher.endpoints] in the active
// config, the same ref shape ResolveKeyRef expects a keyring URL to embed.
func dispatcherRefs() []string {
	cfg := config.Get()
	refs := make([]string, 0, len(cfg.Dispatcher.Endpoints))
	for model := range cfg.Dispatcher.Endpoints {
		refs = append(refs, "dispatcher/"+model)
	}
	return refs
}

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: ttscore keys <list|set|delete> [model_slug]")
		os.Exit(1)
	}

	v := vault.New()

	switch args[0] {
	case "list":
		found, err := v.List(dispatcherRefs())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing keys: %v\n", err)
			os.Exit(1)
		}
		if len(found) == 0 {
			fmt.Println("No dispatcher API keys stored")
			return
		}
		for _, ref := range found {
			fmt.Printf("  %s: ****\n", ref)
		}

	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: ttscore keys set <model_slug>")
			os.Exit(1)
		}
		ref := "dispatcher/" + strings.ToLower(args[1])
		fmt.Printf("Enter API key for %s: ", args[1])
		key, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(ref, string(key)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s stored successfully\n", args[1])

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: ttscore keys delete <model_slug>")
			os.Exit(1)
		}
		ref := "dispatcher/" + strings.ToLower(args[1])
		if err := v.Delete(ref); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s deleted\n", args[1])

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
