// ABOUTME: Administrative CLI commands operating directly on the database
// ABOUTME: Config init, user creation and listing, conversation creation and token minting

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/config"
	"github.com/2389/huddle/internal/store"
)

// defaultTokenTTL is the lifetime of tokens printed by user add and token.
const defaultTokenTTL = 30 * 24 * time.Hour

// parseFlags reads --name value and --name=value pairs. Only names listed
// in allowed are accepted; positional arguments are rejected.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	values := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !slices.Contains(allowed, name) {
			return nil, fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = value
	}
	return values, nil
}

// openStore loads the config and opens its database.
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, nil
}

func mintToken(cfg *config.Config, userID string, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

func runUser(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: huddle user add|list")
	}
	switch args[0] {
	case "add":
		return runUserAdd(ctx, args[1:])
	case "list":
		return runUserList(ctx)
	default:
		return fmt.Errorf("unknown user command: %s", args[0])
	}
}

func runUserAdd(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "email", "name")
	if err != nil {
		return err
	}
	email := strings.TrimSpace(flags["email"])
	if email == "" {
		return errors.New("--email flag is required")
	}
	name := strings.TrimSpace(flags["name"])
	if len(name) > 100 {
		return errors.New("display name exceeds maximum length of 100 characters")
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	user := &store.User{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: name,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("a user with email %s already exists", email)
		}
		return fmt.Errorf("creating user: %w", err)
	}

	token, err := mintToken(cfg, user.ID, defaultTokenTTL)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	green.Printf("  ✓ Created user: %s\n", user.Name())
	fmt.Println()
	cyan.Println("  User")
	cyan.Println("  ----")
	fmt.Printf("  ID:      %s\n", user.ID)
	fmt.Printf("  Email:   %s\n", user.Email)
	fmt.Printf("  Token:   %s\n", token)
	fmt.Printf("  Expires: %s\n", time.Now().Add(defaultTokenTTL).UTC().Format("Jan 02, 2006"))
	return nil
}

func runUserList(ctx context.Context) error {
	_, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	users, err := s.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	if len(users) == 0 {
		fmt.Println("No users.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME\tACTIVE")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", u.ID, u.Email, u.DisplayName, u.IsActive)
	}
	return w.Flush()
}

func runConversation(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "create" {
		return errors.New("usage: huddle conversation create --participants id,id [--type direct]")
	}
	flags, err := parseFlags(args[1:], "type", "participants")
	if err != nil {
		return err
	}

	convType := store.ConversationType(flags["type"])
	if convType == "" {
		convType = store.ConversationDirect
	}
	if !convType.IsValid() {
		return fmt.Errorf("invalid conversation type %q", convType)
	}

	var participants []string
	for id := range strings.SplitSeq(flags["participants"], ",") {
		if id = strings.TrimSpace(id); id != "" && !slices.Contains(participants, id) {
			participants = append(participants, id)
		}
	}
	if len(participants) < 2 {
		return errors.New("--participants needs at least two user ids")
	}

	_, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	for _, id := range participants {
		if _, err := s.GetUser(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("unknown user %s", id)
			}
			return fmt.Errorf("looking up user %s: %w", id, err)
		}
	}

	existing, err := s.FindConversationByParticipants(ctx, participants)
	if err == nil {
		color.New(color.FgYellow).Printf("  Reusing conversation %s\n", existing.ID)
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("finding conversation: %w", err)
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:           uuid.NewString(),
		Type:         convType,
		Participants: make(map[string]struct{}, len(participants)),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, id := range participants {
		conv.Participants[id] = struct{}{}
	}
	if err := s.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created %s conversation %s\n", conv.Type, conv.ID)
	return nil
}

func runToken(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "user", "ttl")
	if err != nil {
		return err
	}
	userID := flags["user"]
	if userID == "" {
		return errors.New("--user flag is required")
	}
	ttl := defaultTokenTTL
	if raw := flags["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("invalid --ttl %q", raw)
		}
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown user %s", userID)
		}
		return fmt.Errorf("looking up user: %w", err)
	}
	if !user.IsActive {
		return fmt.Errorf("user %s is inactive", userID)
	}

	token, err := mintToken(cfg, user.ID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// initialConfig renders answers as YAML and checks that the result loads.
func initialConfig(cfg *config.Config) ([]byte, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	parsed, err := config.Parse(string(body), false)
	if err == nil {
		err = parsed.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}
	return append([]byte("# huddle configuration, generated by huddle init\n\n"), body...), nil
}

func runInit() error {
	in := bufio.NewReader(os.Stdin)

	fmt.Println("huddle setup")
	fmt.Println()

	path := prompt(in, "Write config to", getConfigPath())
	if _, err := os.Stat(path); err == nil && !yes(prompt(in, path+" exists, replace it?", "no")) {
		fmt.Println("Nothing written.")
		return nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating jwt secret: %w", err)
	}

	cfg := &config.Config{
		Auth: config.AuthConfig{JWTSecret: base64.StdEncoding.EncodeToString(secret)},
		Chat: config.ChatConfig{
			AuthTimeoutRaw:  config.DefaultAuthTimeout.String(),
			PingIntervalRaw: config.DefaultPingInterval.String(),
			PongTimeoutRaw:  config.DefaultPongTimeout.String(),
			MaxContentRunes: config.DefaultMaxContentRunes,
		},
		Metrics: config.MetricsConfig{Path: config.DefaultMetricsPath},
	}

	cfg.Server.HTTPAddr = prompt(in, "Listen address", "localhost:8080")
	cfg.Database.Path = prompt(in, "SQLite database", filepath.Join(getDataPath(), "huddle.db"))

	if yes(prompt(in, "Serve on a tailnet with Tailscale?", "no")) {
		cfg.Tailscale = config.TailscaleConfig{
			Enabled:   true,
			Hostname:  prompt(in, "  tailnet hostname", "huddle"),
			AuthKey:   prompt(in, "  auth key (empty uses TS_AUTHKEY)", ""),
			Ephemeral: yes(prompt(in, "  ephemeral node?", "no")),
			Funnel:    yes(prompt(in, "  expose publicly through funnel?", "no")),
		}
		cfg.Server.HTTPAddr = ""
	}

	cfg.Cluster.NodeID = prompt(in, "Node id (empty for a single node)", "")
	for peer := range strings.SplitSeq(prompt(in, "Peer base URLs, comma separated", ""), ",") {
		if peer = strings.TrimSpace(peer); peer != "" {
			cfg.Cluster.Peers = append(cfg.Cluster.Peers, peer)
		}
	}

	cfg.Logging.Level = prompt(in, "Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = prompt(in, "Log format (text/json)", "text")
	cfg.Metrics.Enabled = yes(prompt(in, "Expose prometheus metrics?", "no"))

	body, err := initialConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the signing secret.
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	color.Green("\nWrote %s", path)
	fmt.Println("Then run:")
	fmt.Println("  huddle user add --email you@example.com --name You")
	fmt.Println("  huddle serve")
	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
