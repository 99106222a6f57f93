package config

import (
	"fmt"
	"os"

	"github.com/paytochat/paygate/internal/domain"
)

type Config struct {
	DBSource       string
	Port           string
	Env            string
	FacilitatorURL string
	PayTo          string
	Asset          string
	Network        string
	Resource       string
	MaxAmount      string
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	payTo := os.Getenv("PAY_TO_ADDRESS")
	if payTo == "" {
		return nil, fmt.Errorf("PAY_TO_ADDRESS environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	facilitatorURL := os.Getenv("FACILITATOR_URL")
	if facilitatorURL == "" {
		facilitatorURL = "https://www.x402.org/facilitator"
	}

	asset := os.Getenv("ASSET_ADDRESS")
	if asset == "" {
		// USDC on Base Sepolia
		asset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	}

	network := os.Getenv("PAYMENT_NETWORK")
	if network == "" {
		network = "base-sepolia"
	}

	resource := os.Getenv("PAYMENT_RESOURCE")
	if resource == "" {
		resource = "https://paytochat.vercel.app"
	}

	maxAmount := os.Getenv("MAX_AMOUNT_REQUIRED")
	if maxAmount == "" {
		maxAmount = "10000"
	}

	return &Config{
		DBSource:       dbSource,
		Port:           port,
		Env:            env,
		FacilitatorURL: facilitatorURL,
		PayTo:          payTo,
		Asset:          asset,
		Network:        network,
		Resource:       resource,
		MaxAmount:      maxAmount,
	}, nil
}

// Requirements builds the fixed payment requirements sent with every
// facilitator request.
func (c *Config) Requirements() domain.PaymentRequirements {
	return domain.PaymentRequirements{
		Scheme:            "exact",
		Network:           c.Network,
		MaxAmountRequired: c.MaxAmount,
		Resource:          c.Resource,
		Description:       "Payment To Buy Credits",
		MimeType:          "text/html",
		PayTo:             c.PayTo,
		MaxTimeoutSeconds: 300,
		Asset:             c.Asset,
		Extra: domain.RequirementsExtra{
			Name:    "USDC",
			Version: "2",
		},
	}
}
