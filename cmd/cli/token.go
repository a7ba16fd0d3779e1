package cli

import (
	"fmt"
	"strings"
	"time"

	"changedesk/internal/config"
	"changedesk/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagSubject  string
	flagOrgID    string
	flagRoles    string
	flagPerms    string
	flagTTLMin   int
	flagNoExpiry bool
)

// tokenCmd 签发 HS256 JWT，便于本地调试与运维调用
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		secret := cfg.JWT.Secret
		if secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		payload := buildClaims(flagSubject, flagOrgID, splitList(flagRoles), splitList(flagPerms), time.Now(), flagTTLMin, flagNoExpiry)
		tok, err := middleware.SignHS256(payload, secret)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&flagSubject, "sub", "admin", "subject (sub) claim, used as the acting user id")
	tokenCmd.Flags().StringVar(&flagOrgID, "org", "", "organization id claim (optional)")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "admin", "comma-separated roles (e.g. manager,member)")
	tokenCmd.Flags().StringVar(&flagPerms, "perms", "", "comma-separated permissions (optional; extends RBAC mapping)")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 60, "token time-to-live in minutes")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-exp", false, "do not include exp claim")
}

func buildClaims(sub, org string, roles, perms []string, now time.Time, ttlMin int, noExpiry bool) map[string]interface{} {
	payload := map[string]interface{}{
		"iat": now.Unix(),
	}
	if sub = strings.TrimSpace(sub); sub != "" {
		payload["sub"] = sub
		payload["user_id"] = sub
	}
	if org = strings.TrimSpace(org); org != "" {
		payload["org_id"] = org
	}
	if len(roles) > 0 {
		payload["roles"] = roles
	}
	if len(perms) > 0 {
		payload["perms"] = perms
	}
	if !noExpiry {
		payload["exp"] = now.Add(time.Duration(ttlMin) * time.Minute).Unix()
	}
	return payload
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
