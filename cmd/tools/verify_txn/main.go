package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ancdb/ancdb/internal/client"
	"github.com/ancdb/ancdb/internal/protocol"
)

// Walks a running server through an explicit transaction and checks that
// its writes stay invisible to a second connection until commit.
func main() {
	addr := flag.String("addr", "127.0.0.1:7654", "ancdb --listen address")
	table := flag.Uint32("table", 900, "Scratch table id")
	flag.Parse()

	writer := dial(*addr)
	defer writer.Close()
	reader := dial(*addr)
	defer reader.Close()

	step := func(name string, c *client.Client, cmd protocol.Command) protocol.Response {
		resp, err := c.Do(cmd)
		if err != nil {
			fmt.Printf("%s -> Error: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("%s -> %s\n", name, describe(resp))
		return resp
	}

	fmt.Println("1. Creating table...")
	step("CreateTable", writer, &protocol.CreateTable{ID: writer.NextID(), TableID: *table, TableName: "verify_txn"})

	fmt.Println("2. Begin + Put...")
	step("BeginTransaction", writer, &protocol.BeginTransaction{ID: writer.NextID(), Mode: protocol.ModeWrite})
	step("Put", writer, &protocol.Put{ID: writer.NextID(), TableID: *table, Key: 1, Value: []byte("myvalue")})

	fmt.Println("3. Reading from second connection (expect absent)...")
	resp := step("DirectRead", reader, &protocol.DirectRead{ID: reader.NextID(), TableID: *table, Key: 1})
	if found(resp) {
		fail("uncommitted write is visible")
	}

	fmt.Println("4. Second writer (expect conflict)...")
	resp = step("BeginTransaction", reader, &protocol.BeginTransaction{ID: reader.NextID(), Mode: protocol.ModeWrite})
	if _, ok := resp.(*protocol.Error); !ok {
		fail("second write transaction was admitted")
	}

	fmt.Println("5. Commit...")
	step("CommitTransaction", writer, &protocol.CommitTransaction{ID: writer.NextID()})

	fmt.Println("6. Reading (expect value)...")
	resp = step("DirectRead", reader, &protocol.DirectRead{ID: reader.NextID(), TableID: *table, Key: 1})
	if !found(resp) {
		fail("committed write is missing")
	}
	fmt.Println("OK")
}

func dial(addr string) *client.Client {
	c, err := client.Dial(addr, 5*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return c
}

func found(resp protocol.Response) bool {
	ok, isOK := resp.(*protocol.OK)
	if !isOK {
		return false
	}
	v, isValue := ok.Result.(*protocol.Value)
	return isValue && v.Data != nil
}

func describe(resp protocol.Response) string {
	switch r := resp.(type) {
	case *protocol.OK:
		switch res := r.Result.(type) {
		case *protocol.Value:
			if res.Data == nil {
				return "Ok: absent"
			}
			return fmt.Sprintf("Ok: %q", res.Data)
		case *protocol.ScanResult:
			return fmt.Sprintf("Ok: %d entries", len(res.Entries))
		}
		return "Ok"
	case *protocol.Error:
		return "Error: " + r.Message
	}
	return fmt.Sprintf("%T", resp)
}

func fail(msg string) {
	fmt.Println("FAIL:", msg)
	os.Exit(1)
}
