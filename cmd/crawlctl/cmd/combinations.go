package cmd

import (
	"fmt"
	"os"
	"strings"

	"crawlcompose/internal/sites/registry"
	"crawlcompose/lib/combinations"
	"crawlcompose/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var combinationsFlags struct {
	registry.CombinationsConfig
	variants []string
	index    int
	limit    int
}

func init() {
	flags := combinationsCmd.Flags()
	flags.StringVar(&combinationsFlags.ValidChars, "valid-chars", combinations.DefaultValidChars, "characters to combine")
	flags.StringVar(&combinationsFlags.Start, "start", "", "lower bound (inclusive) of the generated prefixes")
	flags.StringVar(&combinationsFlags.End, "end", "", "upper bound (inclusive) of the generated prefixes")
	flags.StringVar(&combinationsFlags.Pattern, "pattern", "", "regular expression every combination must match")
	flags.IntVar(&combinationsFlags.MinLength, "min-length", combinations.DefaultMinLength, "minimum length of a combination")
	flags.StringArrayVar(&combinationsFlags.variants, "variant", nil, "alternative spellings of a character, ex. o=oh,ok")
	flags.IntVar(&combinationsFlags.index, "index", -1, "index of the seed to start replacing at, defaults to its end")
	flags.IntVar(&combinationsFlags.limit, "limit", 0, "stop after this many combinations, 0 prints all of them")
	rootCmd.AddCommand(combinationsCmd)
}

var combinationsCmd = &cobra.Command{
	Use:   "combinations [seed]",
	Short: "Prints the search strings generated from a seed.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		seed := ""
		if len(args) > 0 {
			seed = args[0]
		}

		cfg := combinationsFlags.CombinationsConfig
		variants, err := parseVariants(combinationsFlags.variants)
		if err != nil {
			serviceutil.Fatal("invalid variant", err)
		}
		cfg.Variants = variants

		built, err := cfg.Build()
		if err != nil {
			serviceutil.Fatal("invalid combinations", err)
		}

		count := 0
		for s := range combinations.GenerateAt(seed, combinationsFlags.index, built) {
			fmt.Fprintln(os.Stdout, s)
			count++
			if combinationsFlags.limit > 0 && count >= combinationsFlags.limit {
				break
			}
		}
	},
}

// parseVariants reads variants formatted as <char>=<expansion>,<expansion>.
func parseVariants(values []string) (map[string][]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := map[string][]string{}
	for _, v := range values {
		char, expansions, ok := strings.Cut(v, "=")
		if !ok || expansions == "" {
			return nil, fmt.Errorf("%q is not formatted as <char>=<expansion>,...", v)
		}
		out[char] = append(out[char], strings.Split(expansions, ",")...)
	}
	return out, nil
}
