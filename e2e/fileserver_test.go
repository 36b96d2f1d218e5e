// Copyright Contributors to the Nublado project

//go:build integration

package e2e

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/lsst-sqre/nublado-controller/internal/kubeclient"
	"github.com/lsst-sqre/nublado-controller/internal/labels"
)

// prepareClusterFor stands in for the pieces of the cluster the controller
// only observes: the Ingress that Gafaelfawr expands from the custom
// resource, and the pod the Job controller starts.
func prepareClusterFor(username string) {
	GinkgoHelper()
	name := username + "-fs"
	_, err := cs.NetworkingV1().Ingresses("fileservers").Create(ctx, &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "fileservers"},
		Status: networkingv1.IngressStatus{
			LoadBalancer: networkingv1.IngressLoadBalancerStatus{
				Ingress: []networkingv1.IngressLoadBalancerIngress{{IP: "10.0.0.1"}},
			},
		},
	}, metav1.CreateOptions{})
	Expect(err).NotTo(HaveOccurred())

	_, err = cs.CoreV1().Pods("fileservers").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-x7k2p",
			Namespace: "fileservers",
			Labels:    labels.ForUser(labels.CategoryFileserver, username),
		},
	}, metav1.CreateOptions{})
	Expect(err).NotTo(HaveOccurred())
}

var _ = Describe("File server API", func() {
	It("starts, reports, and deletes a file server", func() {
		prepareClusterFor("rachel")

		By("requesting the /files page")
		resp, body := request(http.MethodGet, "/files", "rachel", "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(ContainSubstring("https://data.example.org/files/rachel"))

		By("verifying the custom ingress resource was created")
		_, err := dyn.Resource(kubeclient.GafaelfawrIngressGVR).
			Namespace("fileservers").Get(ctx, "rachel-fs", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())

		By("listing the running file server")
		resp, body = request(http.MethodGet, "/fileserver/v1/users", "rachel", "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(ContainSubstring("rachel"))

		resp, _ = request(http.MethodGet, "/fileserver/v1/users/rachel", "rachel", "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, _ = request(http.MethodGet, "/fileserver/v1/user-status", "rachel", "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		By("deleting the file server")
		// The cascade from the custom resource to the expanded Ingress is
		// the operator's job; mimic it before asking for the delete.
		err = cs.NetworkingV1().Ingresses("fileservers").Delete(ctx, "rachel-fs", metav1.DeleteOptions{})
		Expect(err).NotTo(HaveOccurred())
		resp, _ = request(http.MethodDelete, "/fileserver/v1/users/rachel", "rachel", "")
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		By("verifying the file server is gone")
		resp, _ = request(http.MethodGet, "/fileserver/v1/users/rachel", "rachel", "")
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		_, err = cs.BatchV1().Jobs("fileservers").Get(ctx, "rachel-fs", metav1.GetOptions{})
		Expect(err).To(HaveOccurred())
	})

	It("reports users without a file server", func() {
		resp, body := request(http.MethodGet, "/fileserver/v1/users/ribbon", "rachel", "")
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		Expect(body).To(ContainSubstring("unknown_user"))
	})
})
