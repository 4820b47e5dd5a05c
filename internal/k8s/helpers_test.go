package k8s

import (
	"bytes"
	"log/slog"

	"github.com/ppiankov/kubeir/internal/k8s/k8stest"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

var (
	testPod       = k8stest.Pod
	testNode      = k8stest.Node
	deleteActions = k8stest.DeleteActions
)

func newFakeClient(objs ...runtime.Object) *fake.Clientset {
	return k8stest.NewClient(objs...)
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}
