package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/debuglink/internal/logging"
	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/transport/grpclink"
	"github.com/danmuck/debuglink/internal/transport/session"
	"github.com/spf13/cobra"
)

var callTimeout time.Duration

type callFlags struct {
	addr    string
	grpc    string
	codec   string
	authKey string
	address uint32
	length  uint32
	data    string
	flash   bool
	sector  uint32
	yes     bool
}

// caller is satisfied by both the TCP session client and the gRPC bridge.
type caller interface {
	Call(ctx context.Context, req protocol.Message) (protocol.Message, error)
	Close() error
}

func callCmd() *cobra.Command {
	var f callFlags
	cmd := &cobra.Command{
		Use:   "call <Type>",
		Short: "Send one debug link request and print the reply",
		Long: "Type is a request name such as GetState, Decision, Stop, MemoryRead,\n" +
			"MemoryWrite or FlashErase (the DebugLink prefix is optional).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			req, err := buildRequest(args[0], f)
			if err != nil {
				return err
			}
			codec, err := protocol.CodecByName(f.codec)
			if err != nil {
				return err
			}
			cfg := session.DefaultConfig()
			if cfg.AuthKey, err = parseAuthKey(f.authKey); err != nil {
				return err
			}

			ctx, cancel := callContext(cmd.Context())
			defer cancel()

			var c caller
			if f.grpc != "" {
				c, err = grpclink.Dial(ctx, f.grpc, cfg, codec)
			} else {
				c, err = session.Dial(ctx, f.addr, cfg, codec)
			}
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Call(ctx, req)
			if err != nil {
				var failure *protocol.Failure
				if errors.As(err, &failure) {
					printReply(cmd.OutOrStdout(), failure)
				}
				return err
			}
			printReply(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:21324", "device debug link address")
	cmd.Flags().StringVar(&f.grpc, "grpc", "", "call through the gRPC bridge at this target instead")
	cmd.Flags().StringVar(&f.codec, "codec", protocol.CodecProtobuf, "payload codec: protobuf or tlv")
	cmd.Flags().StringVar(&f.authKey, "auth-key", "", "hex frame auth key")
	cmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "request timeout")
	cmd.Flags().Uint32Var(&f.address, "address", 0, "memory address")
	cmd.Flags().Uint32Var(&f.length, "length", 0, "bytes to read")
	cmd.Flags().StringVar(&f.data, "data", "", "hex bytes to write")
	cmd.Flags().BoolVar(&f.flash, "flash", false, "program flash instead of RAM")
	cmd.Flags().Uint32Var(&f.sector, "sector", 0, "flash sector to erase")
	cmd.Flags().BoolVar(&f.yes, "yes", false, "Decision answer")
	return cmd
}

func buildRequest(name string, f callFlags) (protocol.Message, error) {
	t, err := protocol.ParseMessageType(strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	switch t {
	case protocol.MessageDecision:
		return &protocol.Decision{YesNo: f.yes}, nil
	case protocol.MessageGetState:
		return &protocol.GetState{}, nil
	case protocol.MessageStop:
		return &protocol.Stop{}, nil
	case protocol.MessageMemoryRead:
		return &protocol.MemoryRead{Address: f.address, Length: f.length}, nil
	case protocol.MessageMemoryWrite:
		data, err := hex.DecodeString(strings.TrimPrefix(f.data, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse --data: %w", err)
		}
		return &protocol.MemoryWrite{Address: f.address, Data: data, Flash: f.flash}, nil
	case protocol.MessageFlashErase:
		return &protocol.FlashErase{Sector: f.sector}, nil
	default:
		return nil, fmt.Errorf("%s is not a request", t)
	}
}

func printReply(w io.Writer, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.State:
		fmt.Fprintf(w, "pin: %s\n", optional(m.PIN, m.HasPIN))
		fmt.Fprintf(w, "mnemonic: %s\n", optional(m.Mnemonic, m.HasMnemonic))
		fmt.Fprintf(w, "passphrase_protection: %t\n", m.PassphraseProtection)
	case *protocol.Memory:
		fmt.Fprintf(w, "%s\n", hex.EncodeToString(m.Data))
	case *protocol.Success:
		fmt.Fprintf(w, "success: %s\n", m.Message)
	case *protocol.Failure:
		fmt.Fprintf(w, "failure %s: %s\n", m.Code, m.Message)
	default:
		fmt.Fprintf(w, "%s: %+v\n", msg.MessageType(), msg)
	}
}

func optional(v string, ok bool) string {
	if !ok {
		return "<unset>"
	}
	return v
}

// callContext bounds one CLI request.
func callContext(parent context.Context) (context.Context, context.CancelFunc) {
	if callTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, callTimeout)
}
