package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/herd/internal/node"
	"github.com/cuemby/herd/internal/control"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	targetAddr string
	joinAddr   string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Ask a running node to admit another node into the cluster",
	RunE:  runJoin,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a running node's current epoch and membership",
	RunE:  runStatus,
}

func init() {
	joinCmd.Flags().StringVar(&targetAddr, "target", "127.0.0.1:7001", "Control-plane address of the node to contact")
	joinCmd.Flags().StringVar(&joinAddr, "node", "", "Address of the node being admitted")
	joinCmd.MarkFlagRequired("node")

	statusCmd.Flags().StringVar(&targetAddr, "target", "127.0.0.1:7001", "Control-plane address of the node to contact")
}

func dialControl(addr string) (*control.Client, *grpc.ClientConn, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("herd: dial %s: %w", addr, err)
	}
	return control.NewClient(cc), cc, nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	self, err := node.Parse(joinAddr)
	if err != nil {
		return fmt.Errorf("herd: parse node address %q: %w", joinAddr, err)
	}

	client, cc, err := dialControl(targetAddr)
	if err != nil {
		return err
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Join(ctx, self, nil); err != nil {
		return fmt.Errorf("herd: join rejected: %w", err)
	}
	fmt.Printf("node %s admitted via %s\n", joinAddr, targetAddr)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, cc, err := dialControl(targetAddr)
	if err != nil {
		return err
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("epoch=%v nodes=%v\n", status.Fields["epoch"].GetNumberValue(), status.Fields["nodes"])
	return nil
}
