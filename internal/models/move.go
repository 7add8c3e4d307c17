package models

// Move 着法记录，记录后不可变，同一对局内序号从1连续递增
type Move struct {
	BaseModel
	GameID        uint   `gorm:"not null;uniqueIndex:idx_move_game_seq" json:"game_id"`
	Seq           int    `gorm:"not null;uniqueIndex:idx_move_game_seq" json:"seq"`
	SAN           string `gorm:"size:16;not null" json:"san"`
	From          string `gorm:"size:2;not null" json:"from"`
	To            string `gorm:"size:2;not null" json:"to"`
	Promotion     string `gorm:"size:1" json:"promotion,omitempty"`
	MoverID       uint   `gorm:"not null" json:"mover_id"`
	PositionAfter string `gorm:"size:128;not null" json:"position_after"`
}
