package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/star-ga/clawshake/pkg/agentsdk"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "create":
		return cmdCreate(args[1:], out)
	case "accept":
		return cmdAccept(args[1:], out)
	case "deliver":
		return cmdDeliver(args[1:], out)
	case "child":
		return cmdChild(args[1:], out)
	case "dispute":
		return cmdDispute(args[1:], out)
	case "release":
		return cmdRelease(args[1:], out)
	case "resolve":
		return cmdResolve(args[1:], out)
	case "refund":
		return cmdRefund(args[1:], out)
	case "get":
		return cmdGet(args[1:], out)
	case "subtree":
		return cmdSubtree(args[1:], out)
	case "list":
		return cmdList(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "shakectl commands:")
	fmt.Fprintln(out, "  create  --amount 1000 --deadline 24h --task <hex>")
	fmt.Fprintln(out, "  accept  --id 1")
	fmt.Fprintln(out, "  deliver --id 1 --delivery <hex>")
	fmt.Fprintln(out, "  child   --parent 1 --amount 200 --deadline 12h --task <hex>")
	fmt.Fprintln(out, "  dispute --id 1")
	fmt.Fprintln(out, "  release --id 1")
	fmt.Fprintln(out, "  resolve --id 1 --worker-wins")
	fmt.Fprintln(out, "  refund  --id 1")
	fmt.Fprintln(out, "  get     --id 1")
	fmt.Fprintln(out, "  subtree --id 1")
	fmt.Fprintln(out, "  list    --status ACTIVE --limit 20")
	fmt.Fprintln(out, "gateway and caller come from SHAKE_GATEWAY_URL and SHAKE_PRINCIPAL")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func newClient() (*agentsdk.Client, error) {
	base := os.Getenv("SHAKE_GATEWAY_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	principal := os.Getenv("SHAKE_PRINCIPAL")
	if principal == "" {
		return nil, errors.New("SHAKE_PRINCIPAL required")
	}
	return agentsdk.NewClient(base, principal, 10*time.Second), nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func decodeHex(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	return hex.DecodeString(raw)
}

func cmdCreate(args []string, out io.Writer) error {
	fs := newFlagSet("create")
	amount := fs.Uint64("amount", 0, "escrowed amount")
	deadline := fs.Duration("deadline", 24*time.Hour, "time until the deadline")
	task := fs.String("task", "", "task fingerprint, hex")
	pubkey := fs.String("pubkey", "", "requester pubkey hash, hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	taskBytes, err := decodeHex(*task)
	if err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	pubkeyBytes, err := decodeHex(*pubkey)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	shake, err := c.CreateShake(context.Background(), agentsdk.CreateShakeRequest{
		Amount:          *amount,
		DeadlineSeconds: int64(deadline.Seconds()),
		TaskFingerprint: taskBytes,
		PubKeyHash:      pubkeyBytes,
	})
	if err != nil {
		return err
	}
	return printJSON(out, shake)
}

func cmdAccept(args []string, out io.Writer) error {
	fs := newFlagSet("accept")
	id := fs.Uint64("id", 0, "shake id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	shake, err := c.AcceptShake(context.Background(), *id)
	if err != nil {
		return err
	}
	return printJSON(out, shake)
}

func cmdDeliver(args []string, out io.Writer) error {
	fs := newFlagSet("deliver")
	id := fs.Uint64("id", 0, "shake id")
	delivery := fs.String("delivery", "", "delivery fingerprint, hex")
	key := fs.String("key", "", "encrypted delivery key, hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	deliveryBytes, err := decodeHex(*delivery)
	if err != nil {
		return fmt.Errorf("decode delivery: %w", err)
	}
	keyBytes, err := decodeHex(*key)
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	shake, err := c.DeliverShake(context.Background(), *id, agentsdk.DeliverRequest{
		DeliveryFingerprint: deliveryBytes,
		EncryptedKey:        keyBytes,
	})
	if err != nil {
		return err
	}
	return printJSON(out, shake)
}

func cmdChild(args []string, out io.Writer) error {
	fs := newFlagSet("child")
	parent := fs.Uint64("parent", 0, "parent shake id")
	amount := fs.Uint64("amount", 0, "child amount")
	deadline := fs.Duration("deadline", 12*time.Hour, "time until the deadline")
	task := fs.String("task", "", "task fingerprint, hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	taskBytes, err := decodeHex(*task)
	if err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	shake, err := c.CreateChildShake(context.Background(), *parent, agentsdk.CreateChildRequest{
		Amount:          *amount,
		DeadlineSeconds: int64(deadline.Seconds()),
		TaskFingerprint: taskBytes,
	})
	if err != nil {
		return err
	}
	return printJSON(out, shake)
}

func cmdDispute(args []string, out io.Writer) error {
	fs := newFlagSet("dispute")
	id := fs.Uint64("id", 0, "shake id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	shake, err := c.DisputeShake(context.Background(), *id)
	if err != nil {
		return err
	}
	return printJSON(out, shake)
}

func cmdRelease(args []string, out io.Writer) error {
	fs := newFlagSet("release")
	id := fs.Uint64("id", 0, "shake id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	shake, err := c.ReleaseShake(context.Background(), *id)
	if err != nil {
		return err
	}
	return printJSON(out, shake)
}

func cmdResolve(args []string, out io.Writer) error {
	fs := newFlagSet("resolve")
	id := fs.Uint64("id", 0, "shake id")
	workerWins := fs.Bool("worker-wins", false, "settle in the worker's favor")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	shake, err := c.ResolveDispute(context.Background(), *id, *workerWins)
	if err != nil {
		return err
	}
	return printJSON(out, shake)
}

func cmdRefund(args []string, out io.Writer) error {
	fs := newFlagSet("refund")
	id := fs.Uint64("id", 0, "shake id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	shake, err := c.RefundShake(context.Background(), *id)
	if err != nil {
		return err
	}
	return printJSON(out, shake)
}

func cmdGet(args []string, out io.Writer) error {
	fs := newFlagSet("get")
	id := fs.Uint64("id", 0, "shake id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	shake, err := c.GetShake(context.Background(), *id)
	if err != nil {
		return err
	}
	return printJSON(out, shake)
}

func cmdSubtree(args []string, out io.Writer) error {
	fs := newFlagSet("subtree")
	id := fs.Uint64("id", 0, "shake id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	view, err := c.Subtree(context.Background(), *id)
	if err != nil {
		return err
	}
	return printJSON(out, view)
}

func cmdList(args []string, out io.Writer) error {
	fs := newFlagSet("list")
	status := fs.String("status", "", "filter by status")
	limit := fs.Int("limit", 50, "max results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	items, err := c.ListShakes(context.Background(), *status, *limit)
	if err != nil {
		return err
	}
	return printJSON(out, items)
}
