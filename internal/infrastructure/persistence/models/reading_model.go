package models

// FootReadingModel 足压本地日志行。行只追加, 唯一的改写是 sent 0→1。
type FootReadingModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Timestamp string `gorm:"size:40;not null"` // ISO-8601 文本, 定宽可比
	Device    string `gorm:"size:16;not null"`
	Payload   string `gorm:"type:text;not null"` // JSON 编码的读数载荷
	Sent      bool   `gorm:"index;default:false"`
}

// TableName 指定表名
func (FootReadingModel) TableName() string {
	return "foot_readings"
}

// AccelReadingModel IMU 本地日志行, 生命周期与足压表完全一致
type AccelReadingModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Timestamp string `gorm:"size:40;not null"`
	Device    string `gorm:"size:16;not null"`
	Payload   string `gorm:"type:text;not null"`
	Sent      bool   `gorm:"index;default:false"`
}

// TableName 指定表名
func (AccelReadingModel) TableName() string {
	return "accel_readings"
}
