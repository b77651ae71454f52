package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	oidcspa "github.com/dgellow/oidc-spa"
	"github.com/dgellow/oidc-spa/internal/config"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/diagnose"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/oidc"
	"github.com/joho/godotenv"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	data, err := json.MarshalIndent(config.Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Println("Result: PASS (with warnings)")
	} else {
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 {
		return fmt.Errorf("validation failed: %d error(s)", len(result.Errors))
	}
	return nil
}

// diagnoseProvider checks what a page would check on a failed bootstrap,
// from the command line: the discovery document, then the silent sign-in
// callback page.
func diagnoseProvider(ctx context.Context, cfg config.Config) error {
	params := oidcspa.ParamsFromConfig(cfg)
	silentURI := silentRedirectURI(cfg)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	diagnoser := diagnose.New(httpClient)

	fmt.Printf("Issuer: %s\n", params.IssuerURI)
	discovery, err := oidc.FetchDiscovery(ctx, httpClient, oidc.DiscoveryURL(params.IssuerURI))
	if err != nil {
		initErr := diagnoser.Outage(ctx, params.IssuerURI, params.ClientID, err)
		fmt.Printf("  discovery: FAIL\n  %s\n", initErr.Error())
		return initErr
	}
	fmt.Printf("  authorization endpoint: %s\n", discovery.AuthorizationEndpoint)
	fmt.Printf("  token endpoint:         %s\n", discovery.TokenEndpoint)
	if discovery.EndSessionEndpoint == "" {
		fmt.Println("  end session endpoint:   none, logout stays local")
	} else {
		fmt.Printf("  end session endpoint:   %s\n", discovery.EndSessionEndpoint)
	}

	fmt.Printf("\nSilent sign-in callback: %s\n", silentURI)
	initErr := diagnoser.Timeout(ctx, diagnose.TimeoutParams{
		IssuerURI:   params.IssuerURI,
		ClientID:    params.ClientID,
		CallbackURL: silentURI,
		Timeout:     params.SilentSignInTimeout,
	})
	if initErr.LikelyCause == diagnose.CauseRedirectURINotWhitelisted {
		fmt.Println("  page is reachable and can be framed")
		fmt.Printf("  if silent sign-in still times out, check that %s is a valid redirect URI for client %q\n", silentURI, params.ClientID)
		return nil
	}
	fmt.Printf("  FAIL: %s\n", initErr.LikelyCause)
	fmt.Printf("  %s\n", initErr.Error())
	return initErr
}

func redirectURI(cfg config.Config) string {
	if cfg.RedirectURI != "" {
		return cfg.RedirectURI
	}
	return cfg.HomeURL
}

func silentRedirectURI(cfg config.Config) string {
	if cfg.SilentRedirectURI != "" {
		return cfg.SilentRedirectURI
	}
	return redirectURI(cfg)
}

// summarize is the resolved config as the page will see it. Secret redacts
// itself.
func summarize(cfg config.Config) map[string]any {
	out := map[string]any{
		"configHash":        confighash.Of(cfg.IssuerURI, cfg.ClientID).String(),
		"issuerUri":         cfg.IssuerURI,
		"clientId":          cfg.ClientID,
		"homeUrl":           cfg.HomeURL,
		"redirectUri":       redirectURI(cfg),
		"silentRedirectUri": silentRedirectURI(cfg),
		"scopes":            cfg.Scopes,
		"autoLogin":         cfg.AutoLogin,
	}
	if cfg.PostLoginRedirectURL != "" {
		out["postLoginRedirectUrl"] = cfg.PostLoginRedirectURL
	}
	if cfg.ClientSecret != "" {
		out["clientSecret"] = cfg.ClientSecret
	}
	if cfg.IdleSessionLifetime > 0 {
		out["idleSessionLifetime"] = cfg.IdleSessionLifetime.String()
	}
	if cfg.SilentSignInTimeout > 0 {
		out["silentSignInTimeout"] = cfg.SilentSignInTimeout.String()
	}
	if len(cfg.ExtraQueryParams) > 0 {
		out["extraQueryParams"] = cfg.ExtraQueryParams
	}
	return out
}

func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.LogWarn("Failed to load %s: %v", path, err)
	}
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	diagnoseFlag := flag.Bool("diagnose", false, "check the configured provider and callback page")
	envFile := flag.String("env-file", ".env", "dotenv file read before resolving $env references")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	loadDotEnv(*envFile)

	if *validate {
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		if err := log.SetLogLevel(cfg.LogLevel); err != nil {
			log.LogWarn("Ignoring log level: %v", err)
		}
	}

	if !*diagnoseFlag {
		data, err := json.MarshalIndent(summarize(cfg), "", "  ")
		if err != nil {
			log.LogError("Failed to print config: %v", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	log.LogInfoWithFields("main", "Diagnosing OIDC provider", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := diagnoseProvider(ctx, cfg); err != nil {
		os.Exit(1)
	}
}
