package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/internal/identity"
	"github.com/betbot/hlmcp/pkg/config"
	"github.com/betbot/hlmcp/pkg/secretstore"
)

// credimport 把 .env 中的 agent 凭证导入加密 badger 库，或查看库中已有的 agent
func main() {
	var (
		inPath    = flag.String("in", getenv("HLMCP_ENV_FILE", config.DefaultEnvFile()), "input .env file path")
		dbPath    = flag.String("badger", getenv("HLMCP_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("HLMCP_SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		show      = flag.Bool("show", false, "print the stored agent address and expiry instead of importing")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set HLMCP_SECRET_KEY or pass -secret-key"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      *show,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()
	dst := identity.NewBadgerStore(ss, *dbPath)

	if *show {
		cred, err := dst.LoadAgent()
		if err != nil {
			fatal(err)
		}
		if cred == nil {
			fmt.Fprintf(os.Stderr, "%s 中没有 agent 凭证\n", *dbPath)
			return
		}
		describe(*cred)
		return
	}

	cred, err := identity.NewEnvFileStore(*inPath).LoadAgent()
	if err != nil {
		fatal(err)
	}
	if cred == nil {
		fatal(fmt.Errorf("%s 中没有 %s", *inPath, identity.EnvAgentPrivateKey))
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	location, err := dst.SaveAgent(*cred)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已导入 agent 凭证到 %s\n", location)
	describe(*cred)
	fmt.Fprintln(os.Stderr, "启动时设置 HLMCP_CREDENTIAL_STORE=badger，并从 .env 中删除私钥")
}

func describe(cred identity.AgentCredential) {
	s, err := signing.NewKeySigner(cred.PrivateKey)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "agent: %s\n", s.Address().Hex())
	if !cred.ExpiresAt.IsZero() {
		fmt.Fprintf(os.Stderr, "expires: %s\n", cred.ExpiresAt.UTC().Format(time.RFC3339))
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
