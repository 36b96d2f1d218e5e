// Copyright Contributors to the Nublado project

//go:build integration

package e2e

import (
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const spawnRequest = `{
	"options": {
		"image_list": "registry.example.org/sciplat/lab:w_2026_30",
		"size": "small"
	},
	"env": {"JUPYTERHUB_SERVICE_PREFIX": "/nb/user/rachel/"}
}`

var _ = Describe("Lab API", func() {
	Context("authentication", func() {
		It("rejects requests without a token", func() {
			resp, _ := request(http.MethodGet, "/spawner/v1/labs", "", "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("refuses to spawn for another user", func() {
			resp, _ := request(http.MethodPost, "/spawner/v1/labs/ribbon/create", "rachel", spawnRequest)
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})
	})

	Context("lab lifecycle", func() {
		It("spawns, reports, and deletes a lab", func() {
			By("creating the lab")
			resp, _ := request(http.MethodPost, "/spawner/v1/labs/rachel/create", "rachel", spawnRequest)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Header.Get("Location")).To(Equal("/nublado/spawner/v1/labs/rachel"))

			By("following the event stream to completion")
			resp, body := request(http.MethodGet, "/spawner/v1/labs/rachel/events", "rachel", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))
			Expect(body).To(ContainSubstring("event: complete\n"))

			By("reporting the lab as running")
			Eventually(func() string {
				_, body := request(http.MethodGet, "/spawner/v1/labs/rachel", "rachel", "")
				var state struct {
					Status string `json:"status"`
				}
				_ = json.Unmarshal([]byte(body), &state)
				return state.Status
			}, timeout, interval).Should(Equal("running"))

			By("listing the user")
			resp, body = request(http.MethodGet, "/spawner/v1/labs", "rachel", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring("rachel"))

			By("answering the user's own status request")
			resp, body = request(http.MethodGet, "/spawner/v1/user-status", "rachel", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring(`"status":"running"`))

			By("verifying the lab pod exists")
			pod, err := cs.CoreV1().Pods("nublado-rachel").Get(ctx, "nb-rachel", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(pod.Spec.Containers[0].Image).To(
				Equal("registry.example.org/sciplat/lab:w_2026_30@sha256:aaa"))

			By("deleting the lab")
			resp, _ = request(http.MethodDelete, "/spawner/v1/labs/rachel", "rachel", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			By("verifying the lab is gone")
			resp, _ = request(http.MethodGet, "/spawner/v1/labs/rachel", "rachel", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			_, err = cs.CoreV1().Namespaces().Get(ctx, "nublado-rachel", metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
		})

		It("rejects an unknown image", func() {
			body := `{
				"options": {"image_tag": "w_1999_01", "size": "small"},
				"env": {"JUPYTERHUB_SERVICE_PREFIX": "/nb/user/ribbon/"}
			}`
			resp, raw := request(http.MethodPost, "/spawner/v1/labs/ribbon/create", "ribbon", body)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(raw).To(ContainSubstring("unknown_image"))
		})
	})

	Context("spawner form and image catalog", func() {
		It("renders the spawner form with the cached menu", func() {
			resp, body := request(http.MethodGet, "/spawner/v1/lab-form/rachel", "rachel", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring(`name="image_list"`))
			Expect(body).To(ContainSubstring("registry.example.org/sciplat/lab:recommended"))
			Expect(body).To(ContainSubstring(`value="small"`))
			Expect(body).To(ContainSubstring(`value="medium"`))
		})

		It("lists known images", func() {
			resp, body := request(http.MethodGet, "/spawner/v1/images", "rachel", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring("registry.example.org/sciplat/lab:w_2026_30"))
		})

		It("reports prepull status", func() {
			resp, body := request(http.MethodGet, "/spawner/v1/prepulls", "rachel", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var status struct {
				Prepulled []any `json:"prepulled"`
				Pending   []any `json:"pending"`
			}
			Expect(json.Unmarshal([]byte(body), &status)).To(Succeed())
		})
	})
})
