// Command bmp-dump prints what the engine would read from a goBMP raw topic.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/route-beacon/rib-engine/internal/bmp"
	"github.com/twmb/franz-go/pkg/kgo"
)

const maxPayloadBytes = 16 * 1024 * 1024

func main() {
	broker := "localhost:29092"
	topic := "gobmp.raw"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("bmp-dump-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			n++
			fmt.Printf("=== record %d (partition=%d offset=%d, %d bytes) ===\n",
				n, rec.Partition, rec.Offset, len(rec.Value))
			dump(rec.Value)
			fmt.Println()
		})
		if n > 0 && len(fetches.Records()) == 0 {
			break
		}
	}
	fmt.Printf("records: %d\n", n)
}

func dump(data []byte) {
	frame, err := bmp.DecodeFrame(data, maxPayloadBytes)
	if err != nil {
		fmt.Printf("  frame error: %v\n", err)
		return
	}
	fmt.Printf("  router: %q (ip %v), bmp payload %d bytes\n", frame.Router(), frame.RouterIP, len(frame.BMP))

	msgs, err := bmp.ParseAll(frame.BMP)
	if err != nil {
		fmt.Printf("  bmp error: %v\n", err)
		return
	}
	for i, m := range msgs {
		fmt.Printf("  --- bmp %d: %s peer=%v as=%d type=%d flags=0x%02x table=%q\n",
			i, msgName(m.Type), m.Peer.Addr, m.Peer.AS, m.Peer.Type, m.Peer.Flags, m.TableName)
		if m.Type == bmp.MsgTypePeerDown {
			fmt.Printf("      reason %d\n", m.Reason)
		}
		if m.Type != bmp.MsgTypeRouteMonitoring {
			continue
		}

		u, err := bmp.ParseUpdate(m.BGP, m.Peer.TwoByteAS())
		switch {
		case err != nil:
			fmt.Printf("      update error: %v\n", err)
			fmt.Printf("      bgp hex: %s\n", hex.EncodeToString(m.BGP[:min(60, len(m.BGP))]))
		case u == nil:
			fmt.Printf("      non-update bgp message\n")
		case u.EOR:
			fmt.Printf("      End-of-RIB (ipv6=%v)\n", u.IPv6)
		default:
			fmt.Printf("      withdrawn=%d announced=%d as_path=%v\n", len(u.Withdrawn), len(u.Announced), u.ASPath)
			for j, p := range u.Announced {
				if j == 5 {
					fmt.Printf("        ... (%d more)\n", len(u.Announced)-5)
					break
				}
				fmt.Printf("        + %s\n", p)
			}
		}
	}
}

func msgName(t uint8) string {
	switch t {
	case bmp.MsgTypeRouteMonitoring:
		return "RouteMonitoring"
	case bmp.MsgTypeStatisticsReport:
		return "StatisticsReport"
	case bmp.MsgTypePeerDown:
		return "PeerDown"
	case bmp.MsgTypePeerUp:
		return "PeerUp"
	case bmp.MsgTypeInitiation:
		return "Initiation"
	case bmp.MsgTypeTermination:
		return "Termination"
	case bmp.MsgTypeRouteMirroring:
		return "RouteMirroring"
	}
	return fmt.Sprintf("Unknown(%d)", t)
}
