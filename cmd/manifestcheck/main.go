package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/spf13/cobra"
)

const (
	EXIT_OK      = 0
	EXIT_INVALID = 1
	EXIT_ERROR   = 2

	DEFAULT_MANIFEST = "custom_components/gridsense/manifest.json"
)

var requiredKeys = []string{"domain", "name", "documentation"}

var releaseTag = regexp.MustCompile(`^v\d+\.\d+\.\d+$`)

var (
	manifestPath string
	tag          string
	exitCode     int
)

var rootcmd = &cobra.Command{
	Use:           "manifestcheck",
	Short:         "Checks the integration manifest and the release tag",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		exitCode = checkManifest(cmd.OutOrStdout(), manifestPath, tag)
	},
}

var _ = func() (ret bool) {
	rootcmd.Flags().StringVar(&manifestPath, "manifest", DEFAULT_MANIFEST, `path to manifest.json`)
	rootcmd.Flags().StringVar(&tag, "tag", "", `release tag to check against the manifest version, formatted as vMAJOR.MINOR.PATCH`)
	return
}()

func main() {
	if err := rootcmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(EXIT_ERROR)
	}
	os.Exit(exitCode)
}

// checkManifest writes the outcome to out and returns the process exit code.
func checkManifest(out io.Writer, path string, tag string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(out, "ERROR: manifest not found at %s\n", path)
		return EXIT_ERROR
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		fmt.Fprintln(out, "ERROR: cannot parse manifest.json:", err)
		return EXIT_ERROR
	}
	// valid JSON that is not an object has none of the required keys
	manifest, _ := parsed.(map[string]any)

	missing := []string{}
	for _, key := range requiredKeys {
		if _, ok := manifest[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		fmt.Fprintln(out, "MISSING KEYS:", missing)
		return EXIT_INVALID
	}

	if tag != "" {
		if !releaseTag.MatchString(tag) {
			fmt.Fprintf(out, "INVALID TAG: %s is not formatted as vMAJOR.MINOR.PATCH\n", tag)
			return EXIT_INVALID
		}
		version, _ := manifest["version"].(string)
		if version == "" {
			fmt.Fprintln(out, "MISSING KEYS: [version]")
			return EXIT_INVALID
		}
		if tag != "v"+version {
			fmt.Fprintf(out, "VERSION MISMATCH: tag %s, manifest version %s\n", tag, version)
			return EXIT_INVALID
		}
	}

	fmt.Fprintln(out, "MANIFEST OK")
	return EXIT_OK
}
