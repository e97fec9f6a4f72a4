// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rpcctl is a small diagnostic client for a capnet peer: it
// dials a session over WebSocket and prints discovery/introspection
// output, or issues one ad hoc call. Grounded on the urfave/cli/v2
// command layout the rest of the retrieved pack uses for its service
// entrypoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/webrpc/capnet/rpc"
)

func main() {
	app := &cli.App{
		Name:  "rpcctl",
		Usage: "inspect and call a capnet peer over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "WebSocket URL of the peer, e.g. ws://localhost:8080/rpc",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-call timeout",
				Value: 10 * time.Second,
			},
		},
		Commands: []*cli.Command{
			discoverCmd(),
			introspectCmd(),
			callCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("rpcctl failed", "error", err)
		os.Exit(1)
	}
}

func dial(c *cli.Context) (*rpc.Session, func(), error) {
	ch, err := rpc.DialWebSocket(c.Context, c.String("url"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.String("url"), err)
	}
	logger := rpc.NewSlogLogger(slog.Default())
	session := rpc.NewSession(ch, rpc.WithLogger(logger))
	return session, func() { _ = session.Close() }, nil
}

func withTimeout(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}

func discoverCmd() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "list the peer's discoverable services",
		Action: func(c *cli.Context) error {
			session, closeFn, err := dial(c)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := withTimeout(c)
			defer cancel()

			var services []rpc.DiscoveredService
			if err := session.Remote().Call(ctx, "getDiscoverableServices", nil, &services); err != nil {
				return fmt.Errorf("getDiscoverableServices: %w", err)
			}
			for _, svc := range services {
				fmt.Printf("%s\t%s\n", svc.Name, svc.Description)
			}
			return nil
		},
	}
}

func introspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "introspect",
		Usage:     "print a service's method/event metadata",
		ArgsUsage: "<service-name>",
		Action: func(c *cli.Context) error {
			name := c.Args().First()
			if name == "" {
				return cli.Exit("introspect requires a service name", 1)
			}
			session, closeFn, err := dial(c)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := withTimeout(c)
			defer cancel()

			var result rpc.IntrospectedService
			if err := session.Remote().Call(ctx, "getServiceIntrospection", []any{name}, &result); err != nil {
				return fmt.Errorf("getServiceIntrospection: %w", err)
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func callCmd() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "invoke one method on a named service of the peer",
		ArgsUsage: "<service-name> <method> [json-args...]",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("call requires <service-name> <method> [json-args...]", 1)
			}
			serviceName := c.Args().Get(0)
			method := c.Args().Get(1)

			args := make([]any, 0, c.Args().Len()-2)
			for i := 2; i < c.Args().Len(); i++ {
				var v any
				if err := json.Unmarshal([]byte(c.Args().Get(i)), &v); err != nil {
					return fmt.Errorf("argument %d is not valid JSON: %w", i-2, err)
				}
				args = append(args, v)
			}

			session, closeFn, err := dial(c)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := withTimeout(c)
			defer cancel()

			var handle *rpc.Proxy
			if err := session.Remote().Call(ctx, "getLocalService", []any{serviceName}, &handle); err != nil {
				return fmt.Errorf("getLocalService: %w", err)
			}
			if handle == nil {
				return cli.Exit(fmt.Sprintf("no such service %q", serviceName), 1)
			}

			var result any
			if err := handle.Call(ctx, method, args, &result); err != nil {
				return fmt.Errorf("%s.%s: %w", serviceName, method, err)
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
