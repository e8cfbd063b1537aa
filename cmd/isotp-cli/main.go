package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iso15765/isotp"
	"github.com/iso15765/isotp/adapters/socketcan"
)

func main() {
	var err error
	var help bool
	var iface string
	var mode string
	var txID uint
	var rxID uint
	var targetAddr uint
	var sourceAddr uint
	var addrExt uint
	var blockSize uint
	var stmin uint
	var rxTimeout uint
	var cfTimeout uint
	var timeout string
	var canFD bool
	var runList []operation

	flag.StringVar(&iface, "iface", "vcan0", "SocketCAN interface to bind to")
	flag.StringVar(&mode, "mode", "normal11", "addressing mode <normal11|normal29|normalfixed29|extended11|extended29|mixed11|mixed29>")
	flag.UintVar(&txID, "txid", 0, "transmit arbitration ID (normal/extended modes)")
	flag.UintVar(&rxID, "rxid", 0, "receive arbitration ID (normal/extended modes)")
	flag.UintVar(&targetAddr, "ta", 0, "target address (normalfixed/extended/mixed29 modes)")
	flag.UintVar(&sourceAddr, "sa", 0, "source address (normalfixed/extended/mixed29 modes)")
	flag.UintVar(&addrExt, "ae", 0, "address extension byte (mixed modes)")
	flag.UintVar(&blockSize, "block-size", 8, "flow control block size advertised to the peer")
	flag.UintVar(&stmin, "stmin", 0, "separation time (ms, 0-127) advertised to the peer")
	flag.UintVar(&rxTimeout, "fc-timeout", 1000, "N_Bs flow control timeout in ms")
	flag.UintVar(&cfTimeout, "cf-timeout", 1000, "N_Cr consecutive frame timeout in ms")
	flag.StringVar(&timeout, "timeout", "3s", "blocking send timeout")
	flag.BoolVar(&canFD, "canfd", false, "enable CAN-FD frame lengths")
	flag.BoolVar(&help, "help", false, "show a wall-of-text help message")
	flag.Parse()

	if help {
		displayHelp()
		os.Exit(0)
	}

	addrMode, err := parseAddressingMode(mode)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}

	addrOpts, err := addressOptionsFor(addrMode, txID, rxID, targetAddr, sourceAddr, addrExt)
	if err != nil {
		fmt.Printf("failed to build address: %v\n", err)
		os.Exit(1)
	}

	address, err := isotp.NewAddress(addrMode, addrOpts...)
	if err != nil {
		fmt.Printf("failed to create address: %v\n", err)
		os.Exit(1)
	}

	paramOpts := []isotp.ParamsOption{
		isotp.WithBlockSize(uint8(blockSize)),
		isotp.WithSTmin(uint8(stmin)),
		isotp.WithRxFlowControlTimeout(uint32(rxTimeout)),
		isotp.WithRxConsecutiveFrameTimeout(uint32(cfTimeout)),
		isotp.WithCanFD(canFD),
	}
	if canFD {
		paramOpts = append(paramOpts, isotp.WithTxDataLength(64))
	}

	params, err := isotp.NewParameters(paramOpts...)
	if err != nil {
		fmt.Printf("failed to create parameters: %v\n", err)
		os.Exit(1)
	}

	sendTimeout, err := time.ParseDuration(timeout)
	if err != nil {
		fmt.Printf("failed to parse timeout setting '%s': %v\n", timeout, err)
		os.Exit(1)
	}

	if len(flag.Args()) == 0 {
		fmt.Printf("nothing to do.\n")
		os.Exit(0)
	}

	for _, arg := range flag.Args() {
		var o operation
		splitArgs := strings.Split(arg, ":")

		switch splitArgs[0] {
		case "send":
			if len(splitArgs) != 2 {
				fmt.Printf("need exactly 1 argument after send, got %v\n", len(splitArgs)-1)
				os.Exit(2)
			}
			o.op = send
			o.payload, err = hex.DecodeString(splitArgs[1])
			if err != nil {
				fmt.Printf("failed to parse '%s' as hex payload: %v\n", splitArgs[1], err)
				os.Exit(2)
			}

		case "sendFunctional":
			if len(splitArgs) != 2 {
				fmt.Printf("need exactly 1 argument after sendFunctional, got %v\n", len(splitArgs)-1)
				os.Exit(2)
			}
			o.op = sendFunctional
			o.payload, err = hex.DecodeString(splitArgs[1])
			if err != nil {
				fmt.Printf("failed to parse '%s' as hex payload: %v\n", splitArgs[1], err)
				os.Exit(2)
			}

		case "recv":
			if len(splitArgs) != 2 {
				fmt.Printf("need exactly 1 argument after recv, got %v\n", len(splitArgs)-1)
				os.Exit(2)
			}
			o.op = recv
			o.duration, err = time.ParseDuration(splitArgs[1])
			if err != nil {
				fmt.Printf("failed to parse '%s' as duration: %v\n", splitArgs[1], err)
				os.Exit(2)
			}

		case "sleep":
			if len(splitArgs) != 2 {
				fmt.Printf("need exactly 1 argument after sleep, got %v\n", len(splitArgs)-1)
				os.Exit(2)
			}
			o.op = sleep
			o.duration, err = time.ParseDuration(splitArgs[1])
			if err != nil {
				fmt.Printf("failed to parse '%s' as duration: %v\n", splitArgs[1], err)
				os.Exit(2)
			}

		case "repeat":
			o.op = repeat

		default:
			fmt.Printf("unsupported command '%v'\n", splitArgs[0])
			os.Exit(2)
		}

		runList = append(runList, o)
	}

	adapter, err := socketcan.Open(iface)
	if err != nil {
		fmt.Printf("failed to open interface %q: %v\n", iface, err)
		os.Exit(2)
	}
	defer adapter.Close()

	engine, err := isotp.NewEngine(address, params, adapter.Send, adapter.Recv,
		isotp.WithErrorHandler(func(err error) {
			fmt.Printf("protocol error: %v\n", err)
		}))
	if err != nil {
		fmt.Printf("failed to create engine: %v\n", err)
		os.Exit(1)
	}

	worker := isotp.NewWorker(engine)
	if err := worker.Start(); err != nil {
		fmt.Printf("failed to start worker: %v\n", err)
		os.Exit(1)
	}
	defer worker.Stop()

	for opIdx := 0; opIdx < len(runList); opIdx++ {
		o := &runList[opIdx]

		switch o.op {
		case send:
			ctx, cancel := contextWithTimeout(sendTimeout)
			err = engine.SendBlocking(ctx, o.payload, isotp.Physical)
			cancel()
			if err != nil {
				fmt.Printf("failed to send %d bytes: %v\n", len(o.payload), err)
			} else {
				fmt.Printf("sent %d bytes\n", len(o.payload))
			}

		case sendFunctional:
			ctx, cancel := contextWithTimeout(sendTimeout)
			err = engine.SendBlocking(ctx, o.payload, isotp.Functional)
			cancel()
			if err != nil {
				fmt.Printf("failed to send %d bytes functionally: %v\n", len(o.payload), err)
			} else {
				fmt.Printf("sent %d bytes functionally\n", len(o.payload))
			}

		case recv:
			deadline := time.Now().Add(o.duration)
			received := false
			for time.Now().Before(deadline) {
				if payload, ok := engine.Recv(); ok {
					fmt.Printf("received %d bytes: %s\n", len(payload), hex.EncodeToString(payload))
					received = true
					break
				}
				time.Sleep(time.Millisecond)
			}
			if !received {
				fmt.Printf("no payload received within %v\n", o.duration)
			}

		case sleep:
			time.Sleep(o.duration)

		case repeat:
			opIdx = -1

		default:
			fmt.Printf("unknown operation %v\n", o)
			os.Exit(100)
		}
	}
}

const (
	send uint = iota + 1
	sendFunctional
	recv
	sleep
	repeat
)

type operation struct {
	op       uint
	payload  []byte
	duration time.Duration
}

func parseAddressingMode(mode string) (isotp.AddressingMode, error) {
	switch mode {
	case "normal11":
		return isotp.Normal11bits, nil
	case "normal29":
		return isotp.Normal29bits, nil
	case "normalfixed29":
		return isotp.NormalFixed29bits, nil
	case "extended11":
		return isotp.Extended11bits, nil
	case "extended29":
		return isotp.Extended29bits, nil
	case "mixed11":
		return isotp.Mixed11bits, nil
	case "mixed29":
		return isotp.Mixed29bits, nil
	default:
		return 0, fmt.Errorf("unknown addressing mode '%s' (should be one of normal11, normal29, "+
			"normalfixed29, extended11, extended29, mixed11, mixed29)", mode)
	}
}

func addressOptionsFor(mode isotp.AddressingMode, txID, rxID, ta, sa, ae uint) ([]isotp.AddressOption, error) {
	switch mode {
	case isotp.Normal11bits, isotp.Normal29bits:
		if txID == 0 && rxID == 0 {
			return nil, fmt.Errorf("--txid and --rxid are required for %s addressing", mode)
		}
		return []isotp.AddressOption{isotp.WithTxID(uint32(txID)), isotp.WithRxID(uint32(rxID))}, nil

	case isotp.NormalFixed29bits:
		return []isotp.AddressOption{isotp.WithTargetAddress(uint8(ta)), isotp.WithSourceAddress(uint8(sa))}, nil

	case isotp.Extended11bits, isotp.Extended29bits:
		if txID == 0 && rxID == 0 {
			return nil, fmt.Errorf("--txid and --rxid are required for %s addressing", mode)
		}
		return []isotp.AddressOption{
			isotp.WithTxID(uint32(txID)), isotp.WithRxID(uint32(rxID)),
			isotp.WithTargetAddress(uint8(ta)), isotp.WithSourceAddress(uint8(sa)),
		}, nil

	case isotp.Mixed11bits:
		if txID == 0 && rxID == 0 {
			return nil, fmt.Errorf("--txid and --rxid are required for %s addressing", mode)
		}
		return []isotp.AddressOption{
			isotp.WithTxID(uint32(txID)), isotp.WithRxID(uint32(rxID)),
			isotp.WithAddressExtension(uint8(ae)),
		}, nil

	case isotp.Mixed29bits:
		return []isotp.AddressOption{
			isotp.WithTargetAddress(uint8(ta)), isotp.WithSourceAddress(uint8(sa)),
			isotp.WithAddressExtension(uint8(ae)),
		}, nil

	default:
		return nil, fmt.Errorf("unhandled addressing mode %v", mode)
	}
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func displayHelp() {
	flag.CommandLine.SetOutput(os.Stdout)

	fmt.Println(
		`This tool is an ISO-TP (ISO-15765-2) command line client meant to allow quick and
easy interaction with CAN devices over SocketCAN (e.g. for probing or troubleshooting).

Available options:`)
	flag.PrintDefaults()
	fmt.Printf(
		`

Commands must be given as trailing arguments after any options.

Example: isotp-cli --iface vcan0 --mode normal11 --txid 0x456 --rxid 0x123 send:0102030405060708090a

Available commands:
* send:<hex bytes>
  Send <hex bytes> to the peer as a physically-addressed payload, blocking until the
  transfer completes or --timeout elapses.

  send:deadbeef        sends the 4-byte payload 0xdeadbeef

* sendFunctional:<hex bytes>
  Send <hex bytes> as a functionally-addressed payload. Functional payloads must fit in
  a single frame.

  sendFunctional:3e00   sends a 2-byte functional payload

* recv:<duration>
  Wait up to <duration> for one reassembled payload and print it as hex.

  recv:2s               waits up to 2 seconds for an incoming payload

* sleep:<duration>
  Pause for <duration>, specified as a golang duration string.

* repeat
  Restart execution of the given commands.

Addressing modes (--mode):
  normal11, normal29         11/29-bit normal addressing, requires --txid and --rxid
  normalfixed29              29-bit normal fixed (e.g. SAE J1939-style), requires --ta and --sa
  extended11, extended29     extended addressing, requires --txid, --rxid, --ta and --sa
  mixed11                    11-bit mixed addressing, requires --txid, --rxid and --ae
  mixed29                    29-bit mixed addressing, requires --ta, --sa and --ae

Examples:
  $ isotp-cli --iface vcan0 --mode normal11 --txid 0x456 --rxid 0x123 \
      send:0102030405060708090a recv:2s
  Bind to vcan0 using 11-bit normal addressing (tx 0x456 / rx 0x123), send a 10-byte
  multi-frame payload and wait up to 2 seconds for a reply.

  $ isotp-cli --iface can0 --mode normalfixed29 --ta 0xf1 --sa 0x33 --block-size 4 --stmin 10 \
      send:48656c6c6f
  Bind to can0 using 29-bit normal fixed addressing, advertising a flow control block
  size of 4 and a separation time of 10ms, then send "Hello".
`)
}
