package config

// EmailConfig holds the SMTP relay settings used for report delivery.
type EmailConfig struct {
	Notifications bool   `yaml:"notifications" json:"notifications"`
	Host          string `yaml:"smtp_host" json:"smtpHost"`
	Port          int    `yaml:"smtp_port" json:"smtpPort"`
	StartTLS      bool   `yaml:"smtp_starttls" json:"smtpStarttls"`
	SSL           bool   `yaml:"smtp_ssl" json:"smtpSsl"`
	User          string `yaml:"smtp_user" json:"smtpUser"`
	Password      string `yaml:"smtp_password" json:"smtpPassword"`
	MailFrom      string `yaml:"smtp_mail_from" json:"smtpMailFrom"`
	// SSLServerAuth verifies the relay certificate when TLS is in use.
	SSLServerAuth bool `yaml:"smtp_ssl_server_auth" json:"smtpSslServerAuth"`
}

func defaultEmail() EmailConfig {
	return EmailConfig{
		Notifications: true,
		StartTLS:      true,
		SSL:           false,
		SSLServerAuth: false,
	}
}
