package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id VARCHAR(128) PRIMARY KEY,
    free_credits INT NOT NULL DEFAULT 0,
    paid_credits INT NOT NULL DEFAULT 0,
    lifetime_generations INT NOT NULL DEFAULT 0,
    last_generation_at DATETIME(3) NULL,
    last_preset_id VARCHAR(64) NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CHECK (free_credits >= 0),
    CHECK (paid_credits >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    kind VARCHAR(16) NOT NULL,
    bucket VARCHAR(8) NOT NULL,
    amount INT NOT NULL,
    source VARCHAR(64) NOT NULL,
    reference VARCHAR(128),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_credit_tx_user (user_id, created_at)
)`,
	`CREATE TABLE IF NOT EXISTS generation_records (
    id CHAR(36) PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    preset_id VARCHAR(64) NOT NULL,
    style_id VARCHAR(64) NOT NULL,
    image_urls JSON NOT NULL,
    is_complete TINYINT(1) NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL DEFAULT 'in_progress',
    created_at DATETIME(3) NOT NULL,
    completed_at DATETIME(3) NULL,
    KEY idx_records_user (user_id, created_at)
)`,
	`CREATE TABLE IF NOT EXISTS generation_sessions (
    id CHAR(36) PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    preset_id VARCHAR(64) NOT NULL,
    style_id VARCHAR(64) NOT NULL,
    source_image_ref TEXT NOT NULL,
    expected_image_count INT NOT NULL,
    completed_count INT NOT NULL DEFAULT 0,
    is_free_generation TINYINT(1) NOT NULL DEFAULT 0,
    generation_record_id CHAR(36) NOT NULL,
    refunded TINYINT(1) NOT NULL DEFAULT 0,
    settled_at DATETIME(3) NULL,
    created_at DATETIME(3) NOT NULL,
    expires_at DATETIME(3) NOT NULL,
    KEY idx_sessions_expiry (settled_at, expires_at),
    KEY idx_sessions_user (user_id, created_at)
)`,
	`CREATE TABLE IF NOT EXISTS session_slots (
    session_id CHAR(36) NOT NULL,
    variation_index INT NOT NULL,
    state VARCHAR(16) NOT NULL,
    claim_token CHAR(36) NOT NULL,
    lease_until DATETIME(3) NOT NULL,
    image_id CHAR(36) NULL,
    image_url TEXT NULL,
    updated_at DATETIME(3) NOT NULL,
    PRIMARY KEY (session_id, variation_index)
)`,
	`CREATE TABLE IF NOT EXISTS images (
    id CHAR(36) PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    generation_batch_id CHAR(36) NOT NULL,
    url TEXT NOT NULL,
    storage_path VARCHAR(512) NOT NULL,
    preset_id VARCHAR(64) NOT NULL,
    style_id VARCHAR(64) NOT NULL,
    image_index INT NOT NULL,
    is_public TINYINT(1) NOT NULL DEFAULT 0,
    is_free_generation TINYINT(1) NOT NULL DEFAULT 0,
    created_at DATETIME(3) NOT NULL,
    UNIQUE KEY uniq_batch_index (generation_batch_id, image_index),
    KEY idx_images_user (user_id, created_at)
)`,
	`CREATE TABLE IF NOT EXISTS credit_packs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    currency VARCHAR(8) NOT NULL,
    price_minor_units INT NOT NULL,
    credits INT NOT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    plan_id BIGINT NULL,
    provider VARCHAR(64) NOT NULL,
    provider_payment_charge_id VARCHAR(128) NOT NULL,
    currency VARCHAR(8) NOT NULL,
    amount INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_provider_charge (provider, provider_payment_charge_id)
)`,
	`CREATE TABLE IF NOT EXISTS promo_codes (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    code VARCHAR(64) NOT NULL UNIQUE,
    max_uses INT NOT NULL,
    uses INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS promo_redemptions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    promo_code_id BIGINT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_user_promo (user_id, promo_code_id),
    FOREIGN KEY (promo_code_id) REFERENCES promo_codes(id)
)`,
}
