package domain

// 设置存储中的键名，与运维界面保存的名称一致
const (
	SettingSMTPHostname       = "smtpHostname"
	SettingSMTPPort           = "smtpPort"
	SettingSMTPEncryption     = "smtpEncryption"
	SettingSMTPUser           = "smtpUser"
	SettingSMTPPass           = "smtpPass"
	SettingSMTPLog            = "smtpLog"
	SettingSMTPDisableAuth    = "smtpDisableAuth"
	SettingSMTPMaxConnections = "smtpMaxConnections"
	SettingSMTPMaxMessages    = "smtpMaxMessages"
	SettingSMTPSelfSigned     = "smtpSelfSigned"
	SettingPGPPrivateKey      = "pgpPrivateKey"
	SettingPGPPassphrase      = "pgpPassphrase"
	SettingDefaultHomepage    = "defaultHomepage"
	SettingServiceURL         = "serviceUrl"
	SettingDefaultAddress     = "defaultAddress"
	SettingDefaultFrom        = "defaultFrom"
	SettingMailTransport      = "mailTransport"
	SettingSESRegion          = "sesRegion"
	SettingSESAccessKey       = "sesAccessKey"
	SettingSESSecretKey       = "sesSecretKey"
)

// SMTP 加密方式
const (
	EncryptionTLS      = "TLS"
	EncryptionSTARTTLS = "STARTTLS"
	EncryptionNone     = "NONE"
)

// Setting 单个设置项
type Setting struct {
	Key   string `json:"key" gorm:"primaryKey;column:setting_key;type:varchar(100)"`
	Value string `json:"value" gorm:"type:text"`
}

// TransportSettingKeys 构建邮件传输时读取的全部设置键
var TransportSettingKeys = []string{
	SettingMailTransport,
	SettingSMTPHostname,
	SettingSMTPPort,
	SettingSMTPEncryption,
	SettingSMTPUser,
	SettingSMTPPass,
	SettingSMTPLog,
	SettingSMTPDisableAuth,
	SettingSMTPMaxConnections,
	SettingSMTPMaxMessages,
	SettingSMTPSelfSigned,
	SettingPGPPrivateKey,
	SettingPGPPassphrase,
	SettingSESRegion,
	SettingSESAccessKey,
	SettingSESSecretKey,
}

// MessageSettingKeys 组装订阅通知邮件时读取的设置键
var MessageSettingKeys = []string{
	SettingDefaultHomepage,
	SettingServiceURL,
	SettingDefaultAddress,
	SettingDefaultFrom,
}
