// Command electionctl administers elections on a deployed election manager
// contract. It reads the same environment as the service.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"corporate-voting/internal/app"
	"corporate-voting/internal/blockchain"
	"corporate-voting/internal/config"
	"corporate-voting/internal/identity"
	"corporate-voting/internal/model"
	"corporate-voting/internal/ports/http/middleware/auth"
	"corporate-voting/internal/repository/mongodb"
	"corporate-voting/internal/wallet"

	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"
	"gopkg.in/urfave/cli.v1"
	"gopkg.in/yaml.v3"
)

var errNoElection = errors.New("--election is required")

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "electionctl"
	cliApp.Usage = "administer corporate elections"
	cliApp.Flags = []cli.Flag{
		cli.BoolFlag{Name: "verbose", Usage: "log to stderr"},
	}
	cliApp.Commands = []cli.Command{
		{
			Name:  "create-election",
			Usage: "create an election and store its description",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "position", Usage: "position the election is for"},
				cli.Uint64Flag{Name: "days", Value: 7, Usage: "voting period in days"},
				cli.StringFlag{Name: "description"},
				cli.StringFlag{Name: "banner"},
				cli.StringFlag{Name: "rules"},
			},
			Action: withApp(createElection),
		},
		{
			Name:  "add-candidate",
			Usage: "add a candidate to an election",
			Flags: []cli.Flag{
				electionFlag,
				cli.StringFlag{Name: "name"},
				cli.StringFlag{Name: "employee-id"},
				cli.StringFlag{Name: "department"},
				cli.StringFlag{Name: "manifesto", Usage: "manifesto URL or content hash"},
				cli.StringFlag{Name: "bio"},
				cli.StringFlag{Name: "photo"},
			},
			Action: withApp(addCandidate),
		},
		{
			Name:   "finalize",
			Usage:  "close an election and publish the results",
			Flags:  []cli.Flag{electionFlag},
			Action: withApp(finalizeElection),
		},
		{
			Name:   "elections",
			Usage:  "list elections",
			Action: withApp(listElections),
		},
		{
			Name:   "results",
			Usage:  "show the candidates and the winner of an election",
			Flags:  []cli.Flag{electionFlag},
			Action: withApp(showResults),
		},
		{
			Name:   "audit",
			Usage:  "show the latest audit records",
			Flags:  []cli.Flag{cli.IntFlag{Name: "limit", Value: 20}},
			Action: withApp(showAudit),
		},
		{
			Name:      "seed-employees",
			Usage:     "load employees from a YAML file into the directory",
			ArgsUsage: "<file>",
			Action:    seedEmployees,
		},
		{
			Name:   "balance",
			Usage:  "show the balance of the admin account",
			Action: balance,
		},
		{
			Name:  "issue-admin-token",
			Usage: "sign a token for the admin endpoints",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "subject", Value: "admin"},
				cli.DurationFlag{Name: "ttl", Value: 12 * time.Hour},
			},
			Action: issueAdminToken,
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var electionFlag = cli.Uint64Flag{Name: "election", Value: ^uint64(0), Usage: "election id"}

func electionID(c *cli.Context) (uint64, error) {
	id := c.Uint64("election")
	if id == ^uint64(0) {
		return 0, errNoElection
	}
	return id, nil
}

func newLogger(c *cli.Context) *zap.Logger {
	if !c.GlobalBool("verbose") {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// connect dials the contract and connects the admin wallet.
func connect(ctx context.Context, logger *zap.Logger) (*blockchain.EthereumBackend, *blockchain.Gateway, wallet.Session, error) {
	if config.GetChainMode() == config.ChainModeMemory {
		return nil, nil, wallet.Session{}, errors.New("electionctl needs a deployed contract, set CHAIN_MODE=ethereum")
	}

	backend, err := blockchain.DialEthereum(ctx, logger, config.GetRPCURL(), config.GetContractAddress())
	if err != nil {
		return nil, nil, wallet.Session{}, err
	}

	gateway, err := blockchain.NewGateway(logger, backend, blockchain.GatewayConfig{
		ReadTimeout: config.GetChainReadTimeout(),
		TxTimeout:   config.GetTxTimeout(),
	})
	if err != nil {
		backend.Close()
		return nil, nil, wallet.Session{}, err
	}

	session, err := wallet.NewAdapter(logger, wallet.Config{
		PrivateKeyHex: config.GetAdminPrivateKey(),
		KeystoreFile:  config.GetKeystoreFile(),
		Passphrase:    config.GetKeystorePassphrase(),
		ChainID:       config.GetChainID(),
	}, backend).Connect(ctx)
	if err != nil {
		backend.Close()
		return nil, nil, wallet.Session{}, err
	}
	gateway.SetSigner(session.Signer)

	return backend, gateway, session, nil
}

type appAction func(ctx context.Context, c *cli.Context, a *app.App) error

// withApp runs action against the contract and, when reachable, the
// metadata store.
func withApp(action appAction) func(*cli.Context) error {
	return func(c *cli.Context) error {
		ctx := context.Background()
		logger := newLogger(c)

		backend, gateway, _, err := connect(ctx, logger)
		if err != nil {
			return err
		}
		defer backend.Close()

		var meta app.MetadataStore
		repo, err := mongodb.NewConnection(logger, config.GetDbConnectionURI())
		if err != nil {
			fmt.Fprintln(os.Stderr, "warning: metadata store unavailable:", err)
		} else {
			defer repo.Disconnect()
			meta = repo
		}

		a := app.NewApp(logger, gateway, meta, nil, app.Config{
			MetadataTimeout: config.GetMetadataTimeout(),
			AuditTrailLimit: config.GetAuditTrailLimit(),
		})
		return action(ctx, c, a)
	}
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printOutcome(id *uint64, outcome model.Outcome) {
	if id != nil {
		fmt.Println("id:", *id)
	}
	fmt.Println("status:", outcome.Status)
	fmt.Println("transaction:", outcome.Tx.Hash, "block", outcome.Tx.BlockNumber)
	for _, w := range outcome.Warnings {
		fmt.Println("warning:", w)
	}
}

func createElection(ctx context.Context, c *cli.Context, a *app.App) error {
	id, outcome, err := a.CreateElection(ctx, model.NewElection{
		Position:     c.String("position"),
		DurationDays: c.Uint64("days"),
		Description:  c.String("description"),
		BannerURL:    c.String("banner"),
		Rules:        c.String("rules"),
	})
	if err != nil {
		return err
	}
	printOutcome(&id, outcome)
	return nil
}

func addCandidate(ctx context.Context, c *cli.Context, a *app.App) error {
	election, err := electionID(c)
	if err != nil {
		return err
	}

	id, outcome, err := a.AddCandidate(ctx, model.NewCandidate{
		ElectionID:   election,
		Name:         c.String("name"),
		EmployeeID:   c.String("employee-id"),
		Department:   c.String("department"),
		ManifestoRef: c.String("manifesto"),
		Bio:          c.String("bio"),
		PhotoURL:     c.String("photo"),
	})
	if err != nil {
		return err
	}
	printOutcome(&id, outcome)
	return nil
}

func finalizeElection(ctx context.Context, c *cli.Context, a *app.App) error {
	election, err := electionID(c)
	if err != nil {
		return err
	}

	outcome, err := a.FinalizeElection(ctx, election)
	if err != nil {
		return err
	}
	printOutcome(&election, outcome)
	return nil
}

func listElections(ctx context.Context, c *cli.Context, a *app.App) error {
	views, err := a.ListElections(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, v := range views {
		state := "closed"
		switch {
		case v.ResultsPublished:
			state = "finalized"
		case v.IsOpen(now):
			state = "open"
		}
		fmt.Printf("%d\t%s\t%s\t%d votes\t%d candidates\tends %s\n",
			v.ID, v.Title, state, v.TotalVotes, v.CandidateCount, v.EndTime.Format(time.RFC3339))
	}
	return nil
}

func showResults(ctx context.Context, c *cli.Context, a *app.App) error {
	election, err := electionID(c)
	if err != nil {
		return err
	}

	results, err := a.GetResults(ctx, election)
	if err != nil {
		return err
	}

	type row struct {
		ID         uint64 `yaml:"id"`
		Name       string `yaml:"name"`
		Department string `yaml:"department"`
		Votes      uint64 `yaml:"votes"`
		Winner     bool   `yaml:"winner,omitempty"`
	}
	rows := make([]row, len(results.Candidates))
	for i, cand := range results.Candidates {
		rows[i] = row{ID: cand.ID, Name: cand.Name, Department: cand.Department, Votes: cand.VoteCount}
		if results.WinnerID != nil && *results.WinnerID == cand.ID {
			rows[i].Winner = true
		}
	}

	return printYAML(map[string]interface{}{
		"election":   results.Election.Title,
		"totalVotes": results.Election.TotalVotes,
		"finalized":  results.Election.ResultsPublished,
		"candidates": rows,
	})
}

func showAudit(ctx context.Context, c *cli.Context, a *app.App) error {
	records, err := a.GetAuditTrail(ctx, c.Int("limit"))
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%d\telection %d\t%s\t%s\tverified=%t\n",
			r.Index, r.ElectionID, r.Timestamp.Format(time.RFC3339), r.VoterHash, r.Verified)
	}
	return nil
}

func seedEmployees(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("usage: electionctl seed-employees <file>", 2)
	}

	ctx := context.Background()
	logger := newLogger(c)

	repo, err := mongodb.NewConnection(logger, config.GetDbConnectionURI())
	if err != nil {
		return err
	}
	defer repo.Disconnect()

	// seeding never mints tokens, so no issuer
	service := identity.NewService(logger, identity.ServiceConfig{}, repo, nil, nil)
	seeded, err := service.SeedFile(ctx, path)
	fmt.Println("seeded employees:", seeded)
	return err
}

func balance(c *cli.Context) error {
	ctx := context.Background()
	backend, _, session, err := connect(ctx, newLogger(c))
	if err != nil {
		return err
	}
	defer backend.Close()

	wei, err := backend.BalanceAt(ctx, session.Account)
	if err != nil {
		return err
	}
	ether := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether))

	fmt.Println("account:", session.Account.Hex())
	fmt.Println("chain:", session.ChainID)
	fmt.Println("balance:", ether.Text('f', 6), "ETH")
	if wei.Sign() == 0 {
		fmt.Println("warning: the account cannot pay for transactions")
	}
	return nil
}

func issueAdminToken(c *cli.Context) error {
	secret := config.GetJWTSecret()
	if secret == "" {
		return cli.NewExitError("JWT_SECRET is not set", 2)
	}

	token, err := auth.IssueToken(auth.JwtTokenParams{Secret: []byte(secret), Issuer: config.GetJWTIssuer()},
		c.String("subject"), auth.RoleAdmin, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
