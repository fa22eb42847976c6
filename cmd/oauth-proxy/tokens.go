package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var errNoInput = errors.New("no token on stdin")

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Print the HMAC of a token read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		secret, err := config.LoadHMACSecret()
		if err != nil {
			return err
		}

		fmt.Fprint(os.Stderr, "Enter token: ")

		scanner := bufio.NewScanner(cmd.InOrStdin())
		if !scanner.Scan() {
			return errNoInput
		}

		fmt.Fprintln(cmd.OutOrStdout(), hashing.New(secret).Hash(strings.TrimSpace(scanner.Text())))

		return nil
	},
}

var seedStaticTokensCmd = &cobra.Command{
	Use:   "seed-static-tokens <file.yaml>",
	Short: "Hash and load static tokens into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		entries, err := readSeedFile(args[0])
		if err != nil {
			return err
		}

		s, _, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := seedStaticTokens(cmd.Context(), s, cfg.StaticTokensTable, hashing.New(cfg.HMACSecret), entries)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d static tokens\n", n)

		return nil
	},
}

// seedEntry is one static token as written by an operator. The
// refresh token is given raw and hashed before it is stored.
type seedEntry struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	Scopes       string `yaml:"scopes"`
	ExpiresIn    int64  `yaml:"expires_in"`
	ICN          string `yaml:"icn"`
	IDToken      string `yaml:"id_token"`
	Audience     string `yaml:"aud"`
}

func readSeedFile(path string) ([]seedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var entries []seedEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	for i, e := range entries {
		if e.AccessToken == "" || e.RefreshToken == "" {
			return nil, fmt.Errorf("entry %d: access_token and refresh_token are required", i+1)
		}
	}

	return entries, nil
}

func seedStaticTokens(ctx context.Context, s store.Store, table string, h *hashing.Hasher, entries []seedEntry) (int, error) {
	for _, e := range entries {
		item, err := store.Marshal(models.StaticToken{
			AccessToken:  e.AccessToken,
			RefreshToken: h.Hash(e.RefreshToken),
			Scopes:       e.Scopes,
			ExpiresIn:    e.ExpiresIn,
			ICN:          e.ICN,
			IDToken:      e.IDToken,
			Audience:     e.Audience,
			Checksum:     h.Hash(e.AccessToken + "-" + e.ICN),
		})
		if err != nil {
			return 0, err
		}

		if err := s.Put(ctx, table, item); err != nil {
			return 0, fmt.Errorf("storing static token: %w", err)
		}
	}

	return len(entries), nil
}
