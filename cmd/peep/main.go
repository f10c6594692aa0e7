package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	apiclient "github.com/splax/localvercel/pkg/api/client"
	"github.com/splax/localvercel/pkg/jwt"
	"golang.org/x/term"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "project":
		err = commandProject(args)
	case "deploy":
		err = commandDeploy(args)
	case "db":
		err = commandDatabase(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commandLogin signs an operator token with the API's JWT secret and stores it.
func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	actor := fs.String("actor", "", "Operator identifier recorded on deployments")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if strings.TrimSpace(*actor) == "" {
		return errors.New("--actor is required")
	}

	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		fmt.Print("JWT secret: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("a JWT secret is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}

	token, err := jwt.GenerateToken(strings.TrimSpace(*actor), secret, *ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := client.ListProjects(ctx, token); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	cfg.AccessToken = token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", strings.TrimSpace(*actor))
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep project [list|create]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return projectList(args[1:])
	case "create":
		return projectCreate(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", sub)
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of projects to display")
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx, token)
	if err != nil {
		return err
	}
	count := len(projects)
	if *limit > 0 && *limit < count {
		count = *limit
	}
	for i := 0; i < count; i++ {
		p := projects[i]
		port := "-"
		if p.ContainerPort != nil {
			port = fmt.Sprint(*p.ContainerPort)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", p.ID, p.Slug, p.Branch, port, p.RepoURL)
	}
	return nil
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	repo := fs.String("repo", "", "Repository URL")
	server := fs.String("server", "", "Target server identifier")
	branch := fs.String("branch", "", "Production branch (default main)")
	port := fs.Int("port", 0, "Port the application listens on inside the container")
	build := fs.String("build", "", "Optional build command")
	start := fs.String("start", "", "Optional start command")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}
	if strings.TrimSpace(*server) == "" {
		return errors.New("--server is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	input := apiclient.CreateProjectInput{
		Name:         *name,
		RepoURL:      *repo,
		Branch:       *branch,
		ServerID:     *server,
		AppPort:      *port,
		BuildCommand: *build,
		StartCommand: *start,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, err := client.CreateProject(ctx, token, input)
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", created.Project.ID, created.Project.Slug)
	fmt.Println("these secrets are shown once:")
	fmt.Printf("  webhook path secret: %s\n", created.WebhookSecret)
	fmt.Printf("  signing secret:      %s\n", created.SigningSecret)
	return nil
}

func commandDeploy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep deploy [trigger|list|status|cancel|rollback|redeploy|logs]")
	}
	sub := args[0]
	switch sub {
	case "trigger":
		return deployTrigger(args[1:])
	case "list":
		return deployList(args[1:])
	case "status":
		return deployStatus(args[1:])
	case "cancel", "rollback", "redeploy":
		return deployAction(sub, args[1:])
	case "logs":
		return deployLogs(args[1:])
	default:
		return fmt.Errorf("unknown deploy command: %s", sub)
	}
}

func deployTrigger(args []string) error {
	fs := flag.NewFlagSet("deploy trigger", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	branch := fs.String("branch", "", "Branch to deploy")
	commit := fs.String("commit", "", "Commit SHA")
	follow := fs.Bool("follow", false, "Stream build output until the deployment finishes")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.TriggerDeployment(ctx, token, *projectID, *branch, *commit)
	if err != nil {
		return err
	}
	fmt.Printf("deployment queued: %s status=%s\n", dep.ID, dep.Status)
	if *follow {
		return followLogs(client, token, dep.ID)
	}
	return nil
}

func deployList(args []string) error {
	fs := flag.NewFlagSet("deploy list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 5, "Maximum number of deployments")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, token, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, dep := range deployments {
		marker := " "
		if dep.IsCurrentProduction {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\t%s\t%.12s\t%s\n", marker, dep.ID, dep.Status, dep.Trigger, dep.CommitHash, dep.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func deployStatus(args []string) error {
	fs := flag.NewFlagSet("deploy status", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.GetDeployment(ctx, token, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Printf("id:      %s\nstatus:  %s\nbranch:  %s\ncommit:  %s\n", dep.ID, dep.Status, dep.Branch, dep.CommitHash)
	if dep.URL != "" {
		fmt.Printf("url:     %s\n", dep.URL)
	}
	if dep.ErrorMessage != "" {
		fmt.Printf("error:   %s\n", dep.ErrorMessage)
	}
	return nil
}

func deployAction(action string, args []string) error {
	fs := flag.NewFlagSet("deploy "+action, flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.DeploymentAction(ctx, token, *deploymentID, action)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s status=%s\n", action, dep.ID, dep.Status)
	return nil
}

func deployLogs(args []string) error {
	fs := flag.NewFlagSet("deploy logs", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	follow := fs.Bool("follow", false, "Stream live output")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	if *follow {
		return followLogs(client, token, *deploymentID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logs, err := client.FetchLogs(ctx, token, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Print(logs.BuildLog)
	fmt.Print(logs.DeployLog)
	return nil
}

func followLogs(client *apiclient.Client, token, deploymentID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	status, err := client.FollowLogs(ctx, token, deploymentID, func(msg apiclient.LogMessage) {
		if msg.Event == "log" {
			fmt.Printf("[%s] %s\n", msg.Stream, msg.Line)
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if status != "" {
		fmt.Printf("deployment %s finished: %s\n", deploymentID, status)
	}
	return nil
}

func commandDatabase(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep db [list|backup|backups]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("db "+sub, flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	databaseID := fs.String("database", "", "Database identifier")
	fs.Parse(args[1:])

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch sub {
	case "list":
		if strings.TrimSpace(*projectID) == "" {
			return errors.New("--project is required")
		}
		dbs, err := client.ListDatabases(ctx, token, *projectID)
		if err != nil {
			return err
		}
		for _, db := range dbs {
			fmt.Printf("%s\t%s\t%s:%s\t%s\t%d\n", db.ID, db.Name, db.Engine, db.Version, db.Status, db.HostPort)
		}
		return nil
	case "backup":
		if strings.TrimSpace(*databaseID) == "" {
			return errors.New("--database is required")
		}
		b, err := client.CreateBackup(ctx, token, *databaseID)
		if err != nil {
			return err
		}
		fmt.Printf("backup queued: %s expires=%s\n", b.ID, b.ExpiresAt.Format(time.RFC3339))
		return nil
	case "backups":
		if strings.TrimSpace(*databaseID) == "" {
			return errors.New("--database is required")
		}
		backups, err := client.ListBackups(ctx, token, *databaseID)
		if err != nil {
			return err
		}
		for _, b := range backups {
			fmt.Printf("%s\t%s\t%s\t%s\t%s\n", b.ID, b.Status, b.Compression, b.Size, b.CreatedAt.Format(time.RFC3339))
		}
		return nil
	default:
		return fmt.Errorf("unknown db command: %s", sub)
	}
}

// session loads the stored token and an API client.
func session() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'peep login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "peep", "config.json"), nil
}

func printUsage() {
	fmt.Printf("peep CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	peep login --actor <name> [--api http://localhost:4000] [--ttl 24h]
	peep project list [--limit N]
	peep project create --name <name> --repo <url> --server <server-id> [--branch main] [--port 3000] [--build cmd] [--start cmd]
	peep deploy trigger --project <project-id> [--branch name] [--commit sha] [--follow]
	peep deploy list --project <project-id> [--limit N]
	peep deploy status --deployment <deployment-id>
	peep deploy cancel|rollback|redeploy --deployment <deployment-id>
	peep deploy logs --deployment <deployment-id> [--follow]
	peep db list --project <project-id>
	peep db backup|backups --database <database-id>
	peep version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
