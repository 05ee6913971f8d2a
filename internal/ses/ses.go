// Package ses turns AWS credentials into Amazon SES SMTP credentials, so the
// submission client can relay through the SES SMTP interface.
package ses

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Fixed inputs of the SES SMTP password derivation.
const (
	signingDate     = "11111111"
	signingService  = "ses"
	signingTerminal = "aws4_request"
	signingMessage  = "SendRawEmail"
	signingVersion  = 0x04
)

// Config holds the AWS settings used to derive SMTP credentials.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Credentials are what a session needs to log in to the SES SMTP endpoint.
type Credentials struct {
	Host     string
	Username string
	Password string
}

// Resolve loads AWS credentials and derives the SMTP login for cfg.Region.
// Static keys in cfg win; otherwise the default AWS credential chain
// (environment, shared config, instance role) is used.
func Resolve(ctx context.Context, cfg Config) (Credentials, error) {
	if cfg.Region == "" {
		return Credentials{}, errors.New("ses region is required")
	}

	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return FromProvider(ctx, awsCfg.Credentials, cfg.Region)
}

// FromProvider derives the SMTP login from whatever p returns.
func FromProvider(ctx context.Context, p aws.CredentialsProvider, region string) (Credentials, error) {
	if p == nil {
		return Credentials{}, errors.New("no AWS credentials provider configured")
	}

	creds, err := p.Retrieve(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	// The SMTP interface only accepts long-term IAM user keys.
	if creds.SessionToken != "" {
		return Credentials{}, fmt.Errorf("temporary credentials from %s cannot be used for SES SMTP", creds.Source)
	}

	slog.Debug("derived SES SMTP credentials",
		"region", region,
		"access_key_id", creds.AccessKeyID,
		"source", creds.Source,
	)

	return Credentials{
		Host:     Endpoint(region),
		Username: creds.AccessKeyID,
		Password: SMTPPassword(creds.SecretAccessKey, region),
	}, nil
}

// Endpoint returns the SES SMTP host for region.
func Endpoint(region string) string {
	return "email-smtp." + region + ".amazonaws.com"
}

// SMTPPassword derives the SES SMTP password from an IAM secret access key.
func SMTPPassword(secretAccessKey, region string) string {
	sig := sign([]byte("AWS4"+secretAccessKey), signingDate)
	for _, msg := range []string{region, signingService, signingTerminal, signingMessage} {
		sig = sign(sig, msg)
	}

	out := make([]byte, 0, 1+len(sig))
	out = append(out, signingVersion)
	out = append(out, sig...)
	return base64.StdEncoding.EncodeToString(out)
}

func sign(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}
