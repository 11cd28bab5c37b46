package backend

import (
	"context"
	"net"
	"testing"

	"github.com/mbekkel/taskmill/internal/model"
)

func TestStaticDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
		close(accepted)
	}()

	rt := NewStatic(ln.Addr().String())
	inst, err := rt.Ensure(context.Background(), model.Deployment{ID: "deploy_1"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if inst.DeploymentID() != "deploy_1" {
		t.Errorf("DeploymentID = %q", inst.DeploymentID())
	}

	conn, err := inst.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	<-accepted
}

func TestStaticDialBadVsockSpec(t *testing.T) {
	rt := NewStatic("vsock:not-a-cid")
	inst, err := rt.Ensure(context.Background(), model.Deployment{ID: "deploy_1"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := inst.Dial(context.Background()); err == nil {
		t.Error("Dial succeeded with malformed vsock spec")
	}
}
