package ipcserver

import (
	"fmt"

	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/sendqueue"
)

// Dispatcher drains the server's request channel once per tick — never
// blocking past whatever has already arrived — and turns each Log/Stat
// request into a send-queue enqueue, replying Ok to the program.
type Dispatcher struct {
	Queue      *sendqueue.Manager
	NodeConfig func() controlplane.NodeConfig
}

// Run drains every request currently queued without blocking for more.
func (d *Dispatcher) Run(requests <-chan *Inbound) {
	for {
		select {
		case req := <-requests:
			d.handle(req)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(req *Inbound) {
	switch req.Kind {
	case ReqLog:
		d.handleLog(req)
	case ReqStat:
		d.handleStat(req)
	}
}

func (d *Dispatcher) handleLog(req *Inbound) {
	_, ok := d.NodeConfig().ProgramByName(req.Log.Name)
	if !ok {
		req.reply(Reply{OK: false, Error: fmt.Sprintf("unknown program %q", req.Log.Name)})
		return
	}
	d.Queue.Log(controlplane.Log{
		Name:    req.Log.Name,
		Level:   req.Log.Level,
		Module:  req.Log.Module,
		Message: req.Log.Message,
	})
	req.reply(Reply{OK: true})
}

func (d *Dispatcher) handleStat(req *Inbound) {
	_, ok := d.NodeConfig().ProgramByName(req.Stat.Name)
	if !ok {
		req.reply(Reply{OK: false, Error: fmt.Sprintf("unknown program %q", req.Stat.Name)})
		return
	}
	d.Queue.Stat(controlplane.Stat{Name: req.Stat.Name, Data: req.Stat.Data})
	req.reply(Reply{OK: true})
}
