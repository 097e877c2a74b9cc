package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hazz-dev/svcwatch/internal/config"
)

const notifyDefaults = `
defaults:
  recipients: ["ops@example.com"]
  sender: "svcwatch@example.com"
`

var _ = Describe("Config", func() {
	Describe("Load", func() {
		var tempDir string

		BeforeEach(func() {
			tempDir = GinkgoT().TempDir()
		})

		It("reads and parses a file", func() {
			path := filepath.Join(tempDir, "svcwatch.yml")
			err := os.WriteFile(path, []byte(notifyDefaults+`
services:
  - name: "disk"
    command: "/usr/local/bin/check_disk.sh"
`), 0o644)
			Expect(err).NotTo(HaveOccurred())

			cfg, err := config.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Services).To(HaveLen(1))
			Expect(cfg.Services[0].Command).To(Equal(config.Command{"/usr/local/bin/check_disk.sh"}))
		})

		It("fails when the file does not exist", func() {
			_, err := config.Load(filepath.Join(tempDir, "missing.yml"))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("reading config"))
		})
	})

	Describe("Parse", func() {
		Context("with only mandatory service fields", func() {
			var cfg *config.Config

			BeforeEach(func() {
				var err error
				cfg, err = config.Parse([]byte(notifyDefaults + `
services:
  - name: "something-1"
    command: "/somedir/check_something-1.sh"
`))
				Expect(err).NotTo(HaveOccurred())
			})

			It("applies the built-in service defaults", func() {
				svc := cfg.Services[0]
				Expect(svc.IntervalOK.Duration).To(Equal(60 * time.Second))
				Expect(svc.IntervalFail.Duration).To(Equal(10 * time.Second))
				Expect(svc.MaxAttempts).To(Equal(3))
				Expect(svc.Timeout.Duration).To(Equal(10 * time.Second))
				Expect(svc.Notify).To(BeTrue())
				Expect(svc.Recipients).To(Equal([]string{"ops@example.com"}))
				Expect(svc.Sender).To(Equal("svcwatch@example.com"))
			})

			It("applies the global defaults", func() {
				Expect(cfg.SMTP.Host).To(Equal("localhost"))
				Expect(cfg.SMTP.Port).To(Equal(25))
				Expect(cfg.SMTP.TLS).To(Equal(config.TLSNone))
				Expect(cfg.Scheduler.SweepInterval.Duration).To(Equal(30 * time.Second))
				Expect(cfg.Scheduler.MaxParallel).To(Equal(1))
				Expect(cfg.History.MaxRuns).To(Equal(500))
				Expect(cfg.Server.Address).To(BeEmpty())
			})
		})

		Context("with overrides", func() {
			var cfg *config.Config

			BeforeEach(func() {
				var err error
				cfg, err = config.Parse([]byte(`
defaults:
  interval_ok: 120
  max_attempts: 5
  recipients: ["a@example.com,b@example.com"]
  sender: "svcwatch@example.com"
services:
  - name: "api"
    command: ["/opt/checks/api.sh", "--deep"]
    interval_fail: "45s"
    max_attempts: 2
  - name: "quiet"
    command: "/opt/checks/quiet.sh"
    notify: false
    recipients: ["dev@example.com"]
smtp:
  host: "mail.example.com"
  port: 587
  tls: "mandatory"
scheduler:
  sweep_interval: "5s"
  max_parallel: 4
server:
  address: ":9090"
`))
				Expect(err).NotTo(HaveOccurred())
			})

			It("lets the defaults block override the built-ins", func() {
				Expect(cfg.Defaults.IntervalOK.Duration).To(Equal(120 * time.Second))
				Expect(cfg.Defaults.MaxAttempts).To(Equal(5))
				Expect(cfg.Services[1].MaxAttempts).To(Equal(5))
			})

			It("lets each service override the merged defaults", func() {
				api := cfg.Services[0]
				Expect(api.Command).To(Equal(config.Command{"/opt/checks/api.sh", "--deep"}))
				Expect(api.IntervalOK.Duration).To(Equal(120 * time.Second))
				Expect(api.IntervalFail.Duration).To(Equal(45 * time.Second))
				Expect(api.MaxAttempts).To(Equal(2))
			})

			It("splits comma-separated recipients", func() {
				Expect(cfg.Services[0].Recipients).To(Equal([]string{"a@example.com", "b@example.com"}))
				Expect(cfg.Services[1].Recipients).To(Equal([]string{"dev@example.com"}))
			})

			It("does not share recipient slices between services", func() {
				cfg.Services[0].Recipients[0] = "changed@example.com"
				Expect(cfg.Defaults.Recipients[0]).To(Equal("a@example.com"))
			})

			It("keeps notify overrides per service", func() {
				Expect(cfg.Services[0].Notify).To(BeTrue())
				Expect(cfg.Services[1].Notify).To(BeFalse())
			})

			It("parses the global sections", func() {
				Expect(cfg.SMTP.Host).To(Equal("mail.example.com"))
				Expect(cfg.SMTP.Port).To(Equal(587))
				Expect(cfg.SMTP.TLS).To(Equal(config.TLSMandatory))
				Expect(cfg.Scheduler.SweepInterval.Duration).To(Equal(5 * time.Second))
				Expect(cfg.Scheduler.MaxParallel).To(Equal(4))
				Expect(cfg.Server.Address).To(Equal(":9090"))
			})
		})

		DescribeTable("rejects invalid configurations",
			func(content, fragment string) {
				_, err := config.Parse([]byte(content))
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring(fragment))
			},
			Entry("no services", `services: []`, "at least one service"),
			Entry("missing name", notifyDefaults+`
services:
  - command: "/bin/true"
`, "name is required"),
			Entry("missing command", notifyDefaults+`
services:
  - name: "api"
`, "command"),
			Entry("duplicate names", notifyDefaults+`
services:
  - name: "api"
    command: "/bin/true"
  - name: "api"
    command: "/bin/false"
`, "duplicate"),
			Entry("invalid duration", notifyDefaults+`
services:
  - name: "api"
    command: "/bin/true"
    timeout: "soon"
`, "parsing config"),
			Entry("zero interval", notifyDefaults+`
services:
  - name: "api"
    command: "/bin/true"
    interval_ok: "0s"
`, "interval_ok"),
			Entry("negative max attempts", notifyDefaults+`
services:
  - name: "api"
    command: "/bin/true"
    max_attempts: -1
`, "max_attempts"),
			Entry("notify without recipients", `
defaults:
  sender: "svcwatch@example.com"
services:
  - name: "api"
    command: "/bin/true"
`, "recipients"),
			Entry("notify without sender", `
defaults:
  recipients: ["ops@example.com"]
services:
  - name: "api"
    command: "/bin/true"
`, "sender"),
			Entry("malformed recipient", notifyDefaults+`
services:
  - name: "api"
    command: "/bin/true"
    recipients: ["not-an-address"]
`, "recipients"),
			Entry("unknown tls policy", notifyDefaults+`
services:
  - name: "api"
    command: "/bin/true"
smtp:
  tls: "starttls-ish"
`, "tls"),
			Entry("negative parallelism", notifyDefaults+`
services:
  - name: "api"
    command: "/bin/true"
scheduler:
  max_parallel: -2
`, "max_parallel"),
		)

		It("does not require mail settings when notify is disabled", func() {
			cfg, err := config.Parse([]byte(`
defaults:
  notify: false
services:
  - name: "api"
    command: "/bin/true"
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Services[0].Notify).To(BeFalse())
			Expect(cfg.Services[0].Recipients).To(BeEmpty())
		})

		It("runs a service given only name and command without mail", func() {
			cfg, err := config.Parse([]byte(`
services:
  - name: "web"
    command: "/bin/true"
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Defaults.Notify).To(BeFalse())
			Expect(cfg.Services[0].Notify).To(BeFalse())
			Expect(cfg.Services[0].MaxAttempts).To(Equal(3))
		})

		It("enables notify for a service that supplies its own mail settings", func() {
			cfg, err := config.Parse([]byte(`
services:
  - name: "web"
    command: "/bin/true"
  - name: "db"
    command: "/bin/true"
    sender: "svcwatch@example.com"
    recipients: "dba@example.com"
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Services[0].Notify).To(BeFalse())
			Expect(cfg.Services[1].Notify).To(BeTrue())
		})

		It("rejects an explicit notify without mail settings", func() {
			_, err := config.Parse([]byte(`
defaults:
  notify: true
services:
  - name: "web"
    command: "/bin/true"
`))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("recipients"))
		})

		It("accepts recipients as a single comma-separated string", func() {
			cfg, err := config.Parse([]byte(`
defaults:
  sender: "svcwatch@example.com"
  recipients: "ops@example.com, dev@example.com"
services:
  - name: "api"
    command: "/bin/true"
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Services[0].Recipients).To(Equal([]string{"ops@example.com", "dev@example.com"}))
		})
	})
})
