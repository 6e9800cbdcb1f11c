package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/kryptonchain/bisq/src/witness"
	"github.com/spf13/cobra"
)

const nodeKeyFilename = "node.key"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "witnessd",
	Short: "Signed account age witness node",
	Long: `witnessd stores signed account age witnesses, gossips them to other nodes
and decides whether an account is backed by a valid chain of witnesses leading
to a recognised arbitrator.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the witness node",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a trader or arbitrator key pair",
	Args:  cobra.NoArgs,
	RunE:  runKeygen,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check an account against the local witness database",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

var (
	keygenArbitrator bool
	verifyHash       string
	verifyDate       int64
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (env: LOG_LEVEL)")

	keygenCmd.Flags().BoolVar(&keygenArbitrator, "arbitrator", false, "generate a secp256k1 arbitrator key")

	verifyCmd.Flags().StringVar(&verifyHash, "hash", "", "account age witness hash (hex)")
	verifyCmd.Flags().Int64Var(&verifyDate, "date", 0, "account age witness date (unix millis)")
	_ = verifyCmd.MarkFlagRequired("hash")

	rootCmd.AddCommand(serveCmd, keygenCmd, verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig applies command line overrides to LoadConfig
func loadConfig() *Config {
	cfg := LoadConfig()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	initLogger(cfg.LogLevel)
	return cfg
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	signer, closeSigner, err := loadSigner(cfg)
	if err != nil {
		logger.Error("Failed to load node key", "error", err)
		return err
	}
	defer closeSigner()

	node, err := NewWitnessNode(cfg, signer)
	if err != nil {
		logger.Error("Failed to initialize witness node", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := OpenWitnessDB(WitnessDBPath(cfg.DataDir))
	if err != nil {
		logger.Error("Failed to open witness database", "error", err)
		return err
	}
	if err := node.AttachDatabase(ctx, db); err != nil {
		_ = db.Close()
		logger.Error("Failed to load witness database", "error", err)
		return err
	}

	go node.RunDiscovery(ctx, cfg.SeedNodes, cfg.DiscoveryInterval)

	srv := node.NewServer(cfg.Port)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting witness node server", "port", cfg.Port, "nodeId", node.NodeID)
		serverErr <- serve(srv)
	}()

	select {
	case err = <-serverErr:
		logger.Error("Server failed", "error", err)
	case <-ctx.Done():
		logger.Info("Shutting down witness node")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, node.Shutdown(shutdownCtx))
}

// loadSigner returns the HSM signer when a PKCS#11 module is configured, otherwise
// the software key in the data directory, creating it on first start.
func loadSigner(cfg *Config) (witness.Signer, func(), error) {
	if cfg.PKCS11Module != "" {
		hsm, err := OpenHSMSigner(cfg.PKCS11Module, cfg.PKCS11Pin, cfg.PKCS11KeyLabel)
		if err != nil {
			return nil, nil, err
		}
		return hsm, hsm.Close, nil
	}

	key, err := loadOrCreateNodeKey(filepath.Join(cfg.DataDir, nodeKeyFilename))
	if err != nil {
		return nil, nil, err
	}
	signer, err := witness.NewPeerSigner(key)
	if err != nil {
		return nil, nil, err
	}
	return signer, func() {}, nil
}

// loadOrCreateNodeKey reads a PEM encoded P-256 key, generating one if path is missing
func loadOrCreateNodeKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "EC PRIVATE KEY" {
			return nil, fmt.Errorf("%s is not a PEM encoded EC private key", path)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read node key: %w", err)
	}

	key, err := witness.GeneratePeerKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate node key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0600); err != nil {
		return nil, fmt.Errorf("failed to write node key: %w", err)
	}
	logger.Info("Generated node key", "path", path)
	return key, nil
}

type keyPair struct {
	Scheme     string `json:"scheme"`
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

func runKeygen(cmd *cobra.Command, args []string) error {
	var (
		pair   keyPair
		signer witness.Signer
	)
	if keygenArbitrator {
		key, err := witness.GenerateArbitratorKey()
		if err != nil {
			return err
		}
		if signer, err = witness.NewArbitratorSigner(key); err != nil {
			return err
		}
		pair.PrivateKey = hex.EncodeToString(crypto.FromECDSA(key))
	} else {
		key, err := witness.GeneratePeerKey()
		if err != nil {
			return err
		}
		if signer, err = witness.NewPeerSigner(key); err != nil {
			return err
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return err
		}
		pair.PrivateKey = hex.EncodeToString(der)
	}
	pair.Scheme = signer.Scheme().String()
	pair.PublicKey = hex.EncodeToString(signer.PublicKey())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(pair)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	hash, err := hex.DecodeString(verifyHash)
	if err != nil || len(hash) != witness.AccountHashSize {
		return fmt.Errorf("--hash must be %d hex encoded bytes", witness.AccountHashSize)
	}

	verdict, err := verifyOffline(cmd.Context(), cfg, witness.AccountAgeWitness{Hash: hash, Date: verifyDate})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(verdict)
}

// verifyOffline evaluates aew against the witnesses persisted in cfg.DataDir
func verifyOffline(ctx context.Context, cfg *Config, aew witness.AccountAgeWitness) (witness.Verdict, error) {
	arbitrators, err := witness.ParseArbitratorSet(cfg.ArbitratorKeys)
	if err != nil {
		return witness.Verdict{}, fmt.Errorf("failed to load arbitrator keys: %w", err)
	}

	db, err := OpenWitnessDB(WitnessDBPath(cfg.DataDir))
	if err != nil {
		return witness.Verdict{}, err
	}
	defer db.Close()

	stored, err := db.LoadAll(ctx)
	if err != nil {
		return witness.Verdict{}, err
	}

	store := witness.NewStore()
	for _, sw := range stored {
		if sw.Validate() == nil {
			store.Add(sw)
		}
	}

	validator, err := witness.NewValidator(store, arbitrators,
		witness.WithPolicy(cfg.Policy()),
		witness.WithLogger(logger.With("component", "validator")))
	if err != nil {
		return witness.Verdict{}, err
	}
	return validator.Evaluate(aew), nil
}
