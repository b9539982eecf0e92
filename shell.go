package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/mit-dci/cred/cnode"
	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/eventbus"
)

var helpText = `
peers                                  list the mesh nodes
fren <i> <j> [extend] [request]        make node i befriend node j
stat [i]                               channel status (all nodes, or node i)
push <i> <j> <amt>                     unconditional credit from i to j
invoice <i> <amt>                      create an invoice on node i
pay <i> <j> <amt> <invoiceid>          pay node j's invoice from node i
paystat <i> <payid>                    query a payment by id on node i
recon <i> <j>                          node i proposes reconciliation with j
accept <i> <j>                         node i accepts j's reconciliation terms
graph <i>                              dump node i's credit graph as dot
exit                                   quit
`

// watchNode prints async node events, so payment results and channel
// freezes show up in the shell without polling paystat.
func (m *credMesh) watchNode(idx int, nd *cnode.CredNode) {
	nd.Bus.RegisterHandler(cnode.PaymentResultEvent{}.Name(),
		func(e eventbus.Event) eventbus.EventHandleResult {
			ev := e.(cnode.PaymentResultEvent)
			fmt.Fprintf(color.Output, "[%d] payment %x: %s\n",
				idx, ev.PayId[:4], ev.Status.String())
			return eventbus.EHANDLE_OK
		})
	nd.Bus.RegisterHandler(cnode.ChanInconsistentEvent{}.Name(),
		func(e eventbus.Event) eventbus.EventHandleResult {
			ev := e.(cnode.ChanInconsistentEvent)
			fmt.Fprintf(color.Output, "[%d] channel with %s inconsistent, reconcile with `recon`\n",
				idx, ev.Peer.Short())
			return eventbus.EHANDLE_OK
		})
}

func (m *credMesh) shellPrompt(homeDir string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       cnutil.Prompt("cred") + cnutil.White("# "),
		HistoryFile:  filepath.Join(homeDir, ".cred-history"),
		AutoComplete: shellCompleter(),
	})
	if err != nil {
		fmt.Printf("readline: %s\n", err.Error())
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rl.SaveHistory(line)

		cmd := strings.Fields(line)
		if cmd[0] == "exit" || cmd[0] == "quit" || cmd[0] == "off" {
			return
		}
		if err := m.dispatch(cmd[0], cmd[1:]); err != nil {
			fmt.Fprintf(color.Output, "%s %s\n", cnutil.Red("error:"), err.Error())
		}
	}
}

func shellCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("peers"),
		readline.PcItem("fren"),
		readline.PcItem("stat"),
		readline.PcItem("push"),
		readline.PcItem("invoice"),
		readline.PcItem("pay"),
		readline.PcItem("paystat"),
		readline.PcItem("recon"),
		readline.PcItem("accept"),
		readline.PcItem("graph"),
		readline.PcItem("exit"),
	)
}

func (m *credMesh) dispatch(cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Fprintf(color.Output, "%s\n", helpText)
		return nil
	case "peers":
		return m.cmdPeers()
	case "fren":
		return m.cmdFren(args)
	case "stat", "frens":
		return m.cmdStat(args)
	case "push":
		return m.cmdPush(args)
	case "invoice":
		return m.cmdInvoice(args)
	case "pay":
		return m.cmdPay(args)
	case "paystat":
		return m.cmdPayStat(args)
	case "recon":
		return m.cmdRecon(args, false)
	case "accept":
		return m.cmdRecon(args, true)
	case "graph":
		return m.cmdGraph(args)
	}
	return fmt.Errorf("unknown command %s, try help", cmd)
}

func (m *credMesh) node(s string) (*cnode.CredNode, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i >= len(m.nodes) {
		return nil, fmt.Errorf("no node %s in mesh (have 0..%d)", s, len(m.nodes)-1)
	}
	return m.nodes[i], nil
}

func (m *credMesh) cmdPeers() error {
	for i, nd := range m.nodes {
		fmt.Fprintf(color.Output, "%d %s\n", i, cnutil.Address(nd.Id.String()))
	}
	return nil
}

func (m *credMesh) cmdFren(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("need: fren%s%s",
			cnutil.ReqColor("i", "j"), cnutil.OptColor("extend", "request"))
	}
	a, err := m.node(args[0])
	if err != nil {
		return err
	}
	b, err := m.node(args[1])
	if err != nil {
		return err
	}
	var extend, request int64
	if len(args) > 2 {
		if extend, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			return err
		}
	}
	if len(args) > 3 {
		if request, err = strconv.ParseInt(args[3], 10, 64); err != nil {
			return err
		}
	}
	if err := a.AddFriend(b.Id, extend, request); err != nil {
		return err
	}
	fmt.Fprintf(color.Output, "hello sent %s -> %s\n",
		a.Id.Short(), b.Id.Short())
	return nil
}

func (m *credMesh) cmdStat(args []string) error {
	nodes := m.nodes
	if len(args) > 0 {
		nd, err := m.node(args[0])
		if err != nil {
			return err
		}
		nodes = []*cnode.CredNode{nd}
	}
	for _, nd := range nodes {
		stats := nd.Status()
		sort.Slice(stats, func(i, j int) bool {
			return stats[i].Peer.Less(stats[j].Peer)
		})
		fmt.Fprintf(color.Output, "%s %s\n",
			cnutil.Header("node"), cnutil.Address(nd.Id.Short()))
		for _, st := range stats {
			fmt.Fprintf(color.Output,
				"  %s bal %s in %d out %d pend +%d/-%d seq %d %s\n",
				st.Peer.Short(), cnutil.CreditColor(st.Balance),
				st.InCredit, st.OutCredit, st.PendingIn, st.PendingOut,
				st.Seq, st.State.String())
		}
	}
	return nil
}

func (m *credMesh) cmdPush(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("need: push%s", cnutil.ReqColor("i", "j", "amt"))
	}
	a, err := m.node(args[0])
	if err != nil {
		return err
	}
	b, err := m.node(args[1])
	if err != nil {
		return err
	}
	amt, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return err
	}
	return a.PushCredit(b.Id, amt)
}

func (m *credMesh) cmdInvoice(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("need: invoice%s", cnutil.ReqColor("i", "amt"))
	}
	nd, err := m.node(args[0])
	if err != nil {
		return err
	}
	amt, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return err
	}
	id, _, err := nd.CreateInvoice(amt)
	if err != nil {
		return err
	}
	fmt.Fprintf(color.Output, "invoice %s amt %d\n", cnutil.White(id), amt)
	return nil
}

func (m *credMesh) cmdPay(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("need: pay%s",
			cnutil.ReqColor("i", "j", "amt", "invoiceid"))
	}
	a, err := m.node(args[0])
	if err != nil {
		return err
	}
	b, err := m.node(args[1])
	if err != nil {
		return err
	}
	amt, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return err
	}
	payId, err := a.InitiatePayment(b.Id, amt, args[3])
	if err == cnode.ErrDuplicatePayment {
		fmt.Fprintf(color.Output, "payment %s already exists\n",
			cnutil.White(hex.EncodeToString(payId[:])))
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(color.Output, "payment %s started\n",
		cnutil.White(hex.EncodeToString(payId[:])))
	return nil
}

func (m *credMesh) cmdPayStat(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("need: paystat%s", cnutil.ReqColor("i", "payid"))
	}
	nd, err := m.node(args[0])
	if err != nil {
		return err
	}
	idBytes, err := hex.DecodeString(args[1])
	if err != nil || len(idBytes) != 16 {
		return fmt.Errorf("payid must be 16 hex bytes")
	}
	var payId [16]byte
	copy(payId[:], idBytes)
	p, ok := nd.QueryPaymentStatus(payId)
	if !ok {
		return fmt.Errorf("no payment %s on node %s", args[1], nd.Id.Short())
	}
	line := fmt.Sprintf("%s to %s amt %d", p.Status.String(), p.Dest.Short(), p.Amt)
	if perr := p.Err(); perr != nil {
		line += fmt.Sprintf(" (%s)", perr.Error())
	}
	fmt.Fprintf(color.Output, "%s\n", line)
	return nil
}

func (m *credMesh) cmdRecon(args []string, accept bool) error {
	verb := "recon"
	if accept {
		verb = "accept"
	}
	if len(args) < 2 {
		return fmt.Errorf("need: %s%s", verb, cnutil.ReqColor("i", "j"))
	}
	a, err := m.node(args[0])
	if err != nil {
		return err
	}
	b, err := m.node(args[1])
	if err != nil {
		return err
	}
	if accept {
		return a.AcceptReconcile(b.Id)
	}
	return a.Reconcile(b.Id)
}

func (m *credMesh) cmdGraph(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("need: graph%s", cnutil.ReqColor("i"))
	}
	nd, err := m.node(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", nd.VisualiseGraph())
	return nil
}
