package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shellbus/shellbus/pkg/broker"
	"github.com/shellbus/shellbus/pkg/envelope"
)

var (
	statsPort              string
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a shellbusd host",
	Long: `stats queries a shellbusd host for running stats.

If the host is omitted, the local shellbusd server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if disableTLS {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. All traffic including your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local server port from config; using \"%s\"\n", statsPort)
			} else {
				statsPort = port
			}
			disableTLS = !viper.GetBool("tls.useTls")
			skipTLSVerification = true
			statsPassword = viper.GetString("server.statsPassword")
			if !disableTLS {
				fmt.Fprintln(os.Stderr, "Skipping TLS verification for local server query")
			}
		}
		return getStats(host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", "6873", "port of the server to query stats for")
	statsCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "disable connecting over TLS")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")

	viper.SetDefault("server.statsPassword", "")
}

func getStats(statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("SHELLBUSD_STATS_PASSWORD")
	}

	if statsPassword == "" {
		return errors.New("A stats password is required")
	}

	statsAddr := net.JoinHostPort(statsHost, statsPort)
	scheme := "wss"
	dialer := websocket.Dialer{}
	if disableTLS {
		scheme = "ws"
	} else {
		var certPool *x509.CertPool
		if statsServerCertificate != "" {
			cert, err := os.ReadFile(statsServerCertificate)
			if err != nil {
				return errors.Wrap(err, "Open server certificate")
			}
			certPool = x509.NewCertPool()
			certPool.AppendCertsFromPEM(cert)
		}
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipTLSVerification,
			RootCAs:            certPool,
		}
	}

	conn, _, err := dialer.Dial(scheme+"://"+statsAddr, nil)
	if err != nil {
		return errors.Wrap(err, "Connect to shellbusd server")
	}
	defer conn.Close()

	requestID := uuid.NewString()
	err = conn.WriteJSON(envelope.NewRequest(requestID, envelope.Body{
		MessageName: "stat",
		Data:        map[string]interface{}{"password": statsPassword},
	}))
	if err != nil {
		return errors.Wrap(err, "Request stats")
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	for {
		var env envelope.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return errors.Wrap(err, "Get stats response from server")
		}
		if env.Type != envelope.TypeResponse || env.Body.CorrelationMessageID != requestID {
			// Ignore all unrelated messages
			continue
		}
		if env.Body.Status != envelope.StatusAccepted {
			return errors.Errorf("Server returned an error: %s", env.Body.Status)
		}

		buf, err := json.Marshal(env.Body.Data)
		if err != nil {
			return errors.Wrap(err, "Decode stats")
		}
		var stats broker.Stats
		if err := json.Unmarshal(buf, &stats); err != nil {
			return errors.Wrap(err, "Decode stats")
		}

		// Don't display the default port in the output.
		friendlyAddr := statsHost
		if statsPort != "6873" {
			friendlyAddr = statsAddr
		}
		fmt.Printf(`Stats for %s:
Uptime: %s
Number of channels: %d
Max channels: %d on %s

Number of clients: %d
Max clients: %d on %s
`, friendlyAddr, stats.Uptime,
			stats.NumChannels,
			stats.MaxChannels, stats.MaxChannelsTime,
			stats.NumClients,
			stats.MaxClients, stats.MaxClientsTime)
		return nil
	}
}
