// Command lpadmin is the administrative CLI client (spec.md §6): it
// translates systemv/lpadmin.c's flag surface into one codec operation
// sent to a running printd over a length-prefixed TCP frame.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Distrotech/cups-filters-sub000/api/codec"
)

// options collects every flag lpadmin.c recognizes (spec.md §6's
// -d/-x/-p/-c/-r/-i/-m/-v/-D/-L/-P/-E/-h) plus the supplemented generic
// -o name=value attribute flag (SUPPLEMENTED FEATURES: systemv/lpadmin.c's
// "-o" passthrough).
type options struct {
	host string

	addPrinter      string
	deletePrinter   string
	addToClass      string
	removeFromClass string
	defaultDest     string

	interfaceScript string
	modelScript     string
	deviceURI       string
	description     string
	location        string
	ppdFile         string
	enable          bool

	generic attrList
}

// attrList accumulates repeatable -o name=value flags into an ordered set.
type attrList []string

func (a *attrList) String() string { return strings.Join(*a, ",") }
func (a *attrList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("lpadmin", flag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.host, "h", "localhost:631", "printd host:port to administer")
	fs.StringVar(&opts.addPrinter, "p", "", "add or modify a printer")
	fs.StringVar(&opts.deletePrinter, "x", "", "delete a printer or class")
	fs.StringVar(&opts.addToClass, "c", "", "add the -p printer to this class")
	fs.StringVar(&opts.removeFromClass, "r", "", "remove the -p printer from this class")
	fs.StringVar(&opts.defaultDest, "d", "", "set as the server default destination")
	fs.StringVar(&opts.interfaceScript, "i", "", "interface script path")
	fs.StringVar(&opts.modelScript, "m", "", "standard model script/PPD name")
	fs.StringVar(&opts.deviceURI, "v", "", "device-uri attribute")
	fs.StringVar(&opts.description, "D", "", "printer-info attribute")
	fs.StringVar(&opts.location, "L", "", "printer-location attribute")
	fs.StringVar(&opts.ppdFile, "P", "", "PPD file path")
	fs.BoolVar(&opts.enable, "E", false, "enable the printer")
	fs.Var(&opts.generic, "o", "generic name=value attribute, repeatable")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// toRequest translates the parsed flags into exactly one codec.Request,
// matching lpadmin.c's single-operation-per-invocation behavior.
func (o *options) toRequest() (codec.Request, error) {
	attrs := map[string]interface{}{}
	for _, kv := range o.generic {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return codec.Request{}, fmt.Errorf("malformed -o value %q, want name=value", kv)
		}
		attrs[k] = v
	}

	switch {
	case o.deletePrinter != "":
		return codec.Request{Operation: "DELETE-PRINTER", Attrs: mergeAttrs(attrs, map[string]interface{}{
			"printer-name": o.deletePrinter,
		})}, nil

	case o.defaultDest != "" && o.addPrinter == "":
		return codec.Request{Operation: "SET-DEFAULT", Attrs: mergeAttrs(attrs, map[string]interface{}{
			"printer-name": o.defaultDest,
		})}, nil

	case o.addPrinter != "":
		attrs["printer-name"] = o.addPrinter
		if o.deviceURI != "" {
			attrs["device-uri"] = o.deviceURI
		}
		if o.description != "" {
			attrs["printer-info"] = o.description
		}
		if o.location != "" {
			attrs["printer-location"] = o.location
		}
		if o.modelScript != "" {
			attrs["printer-model"] = o.modelScript
		}
		if o.interfaceScript != "" {
			attrs["interface-script"] = o.interfaceScript
		}
		if o.ppdFile != "" {
			attrs["ppd-file"] = o.ppdFile
		}
		if o.enable {
			attrs["printer-state"] = "idle"
		}
		if o.addToClass != "" {
			attrs["add-to-class"] = o.addToClass
		}
		if o.removeFromClass != "" {
			attrs["remove-from-class"] = o.removeFromClass
		}
		return codec.Request{Operation: "ADD-PRINTER", Attrs: attrs}, nil

	case o.addToClass != "":
		return codec.Request{Operation: "ADD-CLASS-MEMBER", Attrs: mergeAttrs(attrs, map[string]interface{}{
			"class-name": o.addToClass,
		})}, nil

	case o.removeFromClass != "":
		return codec.Request{Operation: "REMOVE-CLASS-MEMBER", Attrs: mergeAttrs(attrs, map[string]interface{}{
			"class-name": o.removeFromClass,
		})}, nil

	default:
		return codec.Request{}, fmt.Errorf("nothing to do: specify -p, -x, -d, -c, or -r")
	}
}

func mergeAttrs(base, extra map[string]interface{}) map[string]interface{} {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

// responseTimeout bounds how long lpadmin waits for a response frame.
// Every request gets exactly one reply, success or failure (spec.md §7:
// errors are always reported, never by closing the connection without a
// message), so a timeout here means the connection stalled, not that the
// operation quietly succeeded.
const responseTimeout = 5 * time.Second

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	req, err := opts.toRequest()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpadmin: %v\n", err)
		os.Exit(1)
	}

	if err := send(opts.host, req); err != nil {
		fmt.Fprintf(os.Stderr, "lpadmin: %v\n", err)
		os.Exit(1)
	}
}

func send(host string, req codec.Request) error {
	conn, err := net.DialTimeout("tcp", host, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", host, err)
	}
	defer conn.Close()

	var c codec.JSON
	body, err := c.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if err := writeFrame(conn, body); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(responseTimeout))
	resp, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	wire, err := c.DecodeResponse(resp)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if wire.StatusCode != 200 {
		fmt.Printf("%s: failed (status %d) %s\n", req.Operation, wire.StatusCode, formatAttrs(wire.Attrs))
		os.Exit(1)
	}
	printResult(req.Operation, wire.Attrs)
	return nil
}

// printResult renders a successful response the way the operation implies:
// one line per entry for the GET-JOBS/GET-PRINTERS/GET-CLASSES list
// operations, a bare acknowledgement for writes that return nothing but
// status, and a flat key=value dump otherwise (e.g. PRINT-JOB's job-id).
func printResult(op string, attrs map[string]interface{}) {
	switch op {
	case "GET-JOBS":
		printList(attrs["jobs"])
	case "GET-PRINTERS":
		printList(attrs["printers"])
	case "GET-CLASSES":
		printList(attrs["classes"])
	default:
		if len(attrs) == 0 {
			fmt.Printf("%s: ok\n", op)
			return
		}
		fmt.Printf("%s: %s\n", op, formatAttrs(attrs))
	}
}

func printList(v interface{}) {
	list, _ := v.([]interface{})
	if len(list) == 0 {
		fmt.Println("none")
		return
	}
	for _, entry := range list {
		fmt.Println(formatAttrs(entry))
	}
}

func formatAttrs(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func writeFrame(conn net.Conn, body []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	r := bufio.NewReader(conn)
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
